package index

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// badgerLogger переводит внутренний журнал badger на slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openDB открывает (или создаёт) базу поколения в каталоге dir.
// Поколение пишется один раз и дальше только читается, поэтому таблицы
// и лог значений держим небольшими.
func openDB(dir string, cfg Config) (*badger.DB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, ioErr("создание каталога", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithValueThreshold(1 << 10).
		WithNumCompactors(2).
		WithBlockCacheSize(8 << 20).
		WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, ioErr("открытие badger", dir, err)
	}
	return db, nil
}

// gcRunner периодически запускает сборку мусора лога значений.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func startGC(db *badger.DB, interval time.Duration, logger *slog.Logger) *gcRunner {
	if interval <= 0 {
		return nil
	}
	r := &gcRunner{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
	go r.run()
	return r
}

func (r *gcRunner) stop() {
	if r == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			err := r.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				r.logger.Warn("ошибка GC badger", "error", err)
			}
		}
	}
}
