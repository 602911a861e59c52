// Package index — полнотекстовый индекс объектов слоёв на badger.
//
// Индекс состоит из поколений: каждое перестроение пишет новое поколение
// в отдельный каталог, фиксация атомарно подменяет текущее. Читатели
// держат ссылку на поколение, поэтому подмена не закрывает базу под
// выполняющимся запросом. Кеш запросов принадлежит поколению и
// выбрасывается вместе с ним.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	currentFile = "CURRENT"
	genPrefix   = "gen-"
	countKey    = "m/count"

	// DefaultCacheSize — размер кеша запросов по умолчанию.
	DefaultCacheSize = 128
)

// Config — параметры индекса.
type Config struct {
	// Dir — каталог индекса; поколения лежат в подкаталогах gen-<uuid>.
	Dir        string
	CacheSize  int
	SyncWrites bool
	// GCInterval — период GC лога значений; 0 — выключен.
	GCInterval time.Duration
	Logger     *slog.Logger
	// Registerer для метрик; nil — отдельный реестр.
	Registerer prometheus.Registerer
}

// Index — полнотекстовый индекс. Безопасен для конкурентного использования.
type Index struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics

	live     atomic.Pointer[generation]
	commitMu sync.Mutex
	closed   bool
}

// Open открывает индекс в cfg.Dir. Загружается последнее зафиксированное
// поколение; если его нет, создаётся пустое. Если зафиксированное поколение
// не открывается, возвращается *IOError, каталоги не трогаются.
func Open(cfg Config) (*Index, error) {
	if cfg.Dir == "" {
		return nil, errors.New("индекс: не задан каталог")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	x := &Index{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "index"),
		metrics: newMetrics(cfg.Registerer),
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, ioErr("создание каталога", cfg.Dir, err)
	}

	name, err := x.readCurrent()
	if err != nil {
		return nil, err
	}
	var g *generation
	if name != "" {
		// зафиксированное поколение не заменяется пустым
		g, err = x.openGeneration(name)
		if err != nil {
			x.log.Error("текущее поколение не открылось", "generation", name, "error", err)
			return nil, err
		}
	} else {
		g, err = x.openGeneration(genPrefix + uuid.NewString())
		if err != nil {
			return nil, err
		}
		if err := x.writeCurrent(g.name); err != nil {
			g.retire(true)
			return nil, err
		}
	}
	x.removeStale(g.name)
	x.live.Store(g)
	x.metrics.documents.Set(float64(g.docs))
	x.metrics.sizeBytes.Set(float64(dirSize(g.dir)))
	x.log.Info("индекс открыт", "generation", g.name, "documents", g.docs)
	return x, nil
}

func (x *Index) readCurrent() (string, error) {
	p := filepath.Join(x.cfg.Dir, currentFile)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", ioErr("чтение", p, err)
	}
	name := strings.TrimSpace(string(data))
	if !strings.HasPrefix(name, genPrefix) {
		return "", nil
	}
	if _, err := os.Stat(filepath.Join(x.cfg.Dir, name)); err != nil {
		return "", nil
	}
	return name, nil
}

func (x *Index) writeCurrent(name string) error {
	p := filepath.Join(x.cfg.Dir, currentFile)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0o640); err != nil {
		return ioErr("запись", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return ioErr("замена", p, err)
	}
	return nil
}

// removeStale удаляет каталоги недостроенных поколений.
func (x *Index) removeStale(keep string) {
	entries, err := os.ReadDir(x.cfg.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) || e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(x.cfg.Dir, e.Name())); err != nil {
			x.log.Warn("не удалось удалить старое поколение", "generation", e.Name(), "error", err)
			continue
		}
		x.log.Debug("удалено старое поколение", "generation", e.Name())
	}
}

func (x *Index) openGeneration(name string) (*generation, error) {
	dir := filepath.Join(x.cfg.Dir, name)
	db, err := openDB(dir, x.cfg)
	if err != nil {
		return nil, err
	}
	g := &generation{
		name:  name,
		dir:   dir,
		db:    db,
		cache: newQueryCache(x.cfg.CacheSize),
		log:   x.log.With("generation", name),
	}
	_ = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(countKey))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			g.docs, err = strconv.ParseInt(string(v), 10, 64)
			return err
		})
	})
	g.gc = startGC(db, x.cfg.GCInterval, g.log)
	return g, nil
}

// acquire берёт ссылку на текущее поколение.
func (x *Index) acquire() (*generation, error) {
	for {
		g := x.live.Load()
		if g == nil {
			return nil, ErrClosed
		}
		if g.acquire() {
			return g, nil
		}
	}
}

// -----------------------------
// Чтение
// -----------------------------

// Query возвращает отсортированные идентификаторы документов, подходящих
// под запрос. Пустой запрос — пустой результат. Ошибка вычисления
// записывается в журнал и даёт пустой результат; ошибка возвращается
// только для закрытого индекса.
func (x *Index) Query(ctx context.Context, text string) ([]string, error) {
	g, err := x.acquire()
	if err != nil {
		return nil, err
	}
	defer g.release()
	return x.query(ctx, g, text), nil
}

func (x *Index) query(ctx context.Context, g *generation, text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	ids, hit, err := g.cache.getOrCompute(ctx, text, func(cctx context.Context) ([]string, error) {
		cctx, span := tracer.Start(cctx, "Index.Query",
			trace.WithAttributes(attribute.String("query", text), attribute.String("generation", g.name)))
		defer span.End()
		start := time.Now()
		ids, err := execute(cctx, g.db, parseQuery(text))
		x.metrics.queryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Int("hits", len(ids)))
		return ids, nil
	})
	switch {
	case err != nil:
		x.metrics.queries.WithLabelValues("error").Inc()
		x.log.Warn("ошибка запроса к индексу", "query", text, "error", err)
		return []string{}
	case hit:
		x.metrics.queries.WithLabelValues("hit").Inc()
	default:
		x.metrics.queries.WithLabelValues("miss").Inc()
	}
	return ids
}

// Search возвращает до max документов запроса (max <= 0 — все).
// Идентификаторы и документы читаются из одного поколения.
func (x *Index) Search(ctx context.Context, text string, max int) ([]Document, error) {
	g, err := x.acquire()
	if err != nil {
		return nil, err
	}
	defer g.release()

	ids := x.query(ctx, g, text)
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	docs := make([]Document, 0, len(ids))
	err = g.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(docKey(id))
			if err != nil {
				return err
			}
			var d Document
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &d) }); err != nil {
				return err
			}
			docs = append(docs, d)
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("чтение документов", g.dir, err)
	}
	return docs, nil
}

// SizeInBytes — размер текущего поколения на диске.
func (x *Index) SizeInBytes() int64 {
	g, err := x.acquire()
	if err != nil {
		return 0
	}
	defer g.release()
	return dirSize(g.dir)
}

// Stats — сведения о текущем поколении.
type Stats struct {
	Generation    string
	Documents     int64
	CachedQueries int
	SizeInBytes   int64
}

// Stats возвращает сведения о текущем поколении.
func (x *Index) Stats() (Stats, error) {
	g, err := x.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer g.release()
	return Stats{
		Generation:    g.name,
		Documents:     g.docs,
		CachedQueries: g.cache.len(),
		SizeInBytes:   dirSize(g.dir),
	}, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Close закрывает индекс. Текущее поколение остаётся на диске и
// закрывается, когда его отпустит последний читатель.
func (x *Index) Close() error {
	x.commitMu.Lock()
	x.closed = true
	g := x.live.Swap(nil)
	x.commitMu.Unlock()
	if g == nil {
		return nil
	}
	g.retire(false)
	x.log.Info("индекс закрыт")
	return nil
}

// -----------------------------
// Обновление
// -----------------------------

// PrepareUpdate открывает новое пустое поколение для перестроения.
// Текущее поколение продолжает обслуживать запросы до Apply.
func (x *Index) PrepareUpdate(ctx context.Context) (*Updater, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.commitMu.Lock()
	closed := x.closed
	x.commitMu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	g, err := x.openGeneration(genPrefix + uuid.NewString())
	if err != nil {
		return nil, err
	}
	g.acquire()
	x.log.Debug("подготовлено новое поколение", "generation", g.name)
	return &Updater{idx: x, gen: g, wb: g.db.NewWriteBatch()}, nil
}

// Updater накапливает документы нового поколения. Add безопасен для
// конкурентного использования; Apply и Discard завершают работу.
type Updater struct {
	idx  *Index
	gen  *generation
	wb   *badger.WriteBatch
	docs atomic.Int64

	mu   sync.Mutex
	done bool
}

// Generation — имя подготавливаемого поколения.
func (u *Updater) Generation() string { return u.gen.name }

// Count — число добавленных документов.
func (u *Updater) Count() int64 { return u.docs.Load() }

// Add записывает документ и его постинги.
func (u *Updater) Add(doc Document) error {
	if doc.ID == "" || strings.Contains(doc.ID, sep) {
		return fmt.Errorf("индекс: недопустимый идентификатор документа %q", doc.ID)
	}
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
	if done {
		return ErrClosed
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("индекс: документ %s: %w", doc.ID, err)
	}
	if err := u.wb.Set(docKey(doc.ID), data); err != nil {
		return ioErr("запись документа "+doc.ID, u.gen.dir, err)
	}
	seen := map[string]struct{}{}
	for name, value := range doc.Fields {
		field := fieldName(name)
		if field == "" || strings.Contains(field, sep) {
			continue
		}
		for _, t := range Analyze(value) {
			for _, key := range [][]byte{postingKey(field, t, doc.ID), postingKey("", t, doc.ID)} {
				if _, ok := seen[string(key)]; ok {
					continue
				}
				seen[string(key)] = struct{}{}
				if err := u.wb.Set(key, nil); err != nil {
					return ioErr("запись постинга", u.gen.dir, err)
				}
			}
		}
	}
	u.docs.Add(1)
	return nil
}

// Apply сбрасывает поколение на диск, делает его текущим и выводит
// предыдущее из оборота.
func (u *Updater) Apply(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return ErrClosed
	}
	u.done = true

	x, g := u.idx, u.gen
	flushed := false
	fail := func(err error) error {
		if !flushed {
			u.wb.Cancel()
		}
		g.release()
		g.retire(true)
		return err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	err := u.wb.Flush()
	flushed = true
	if err != nil {
		return fail(ioErr("сброс поколения", g.dir, err))
	}
	g.docs = u.docs.Load()
	err = g.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(countKey), []byte(strconv.FormatInt(g.docs, 10)))
	})
	if err != nil {
		return fail(ioErr("запись счётчика", g.dir, err))
	}

	x.commitMu.Lock()
	if x.closed {
		x.commitMu.Unlock()
		return fail(ErrClosed)
	}
	if err := x.writeCurrent(g.name); err != nil {
		x.commitMu.Unlock()
		return fail(err)
	}
	old := x.live.Swap(g)
	x.commitMu.Unlock()

	g.release()
	if old != nil {
		old.retire(true)
	}
	x.metrics.commits.Inc()
	x.metrics.documents.Set(float64(g.docs))
	x.metrics.sizeBytes.Set(float64(dirSize(g.dir)))
	x.log.Info("поколение индекса зафиксировано", "generation", g.name, "documents", g.docs)
	return nil
}

// Discard отбрасывает подготовленное поколение. Повторный вызов и вызов
// после Apply ничего не делают.
func (u *Updater) Discard() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	u.wb.Cancel()
	u.gen.release()
	u.gen.retire(true)
	u.idx.log.Debug("поколение отброшено", "generation", u.gen.name)
	return nil
}

// -----------------------------
// Поколение
// -----------------------------

type generation struct {
	name  string
	dir   string
	db    *badger.DB
	cache *queryCache
	gc    *gcRunner
	docs  int64
	log   *slog.Logger

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
	remove  bool
}

func (g *generation) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.refs++
	return true
}

func (g *generation) release() {
	g.mu.Lock()
	g.refs--
	last := g.retired && g.refs == 0 && !g.closed
	if last {
		g.closed = true
	}
	g.mu.Unlock()
	if last {
		g.shutdown()
	}
}

// retire выводит поколение из оборота; оно закрывается, когда отпущена
// последняя ссылка. remove — удалить каталог после закрытия.
func (g *generation) retire(remove bool) {
	g.mu.Lock()
	g.retired = true
	g.remove = remove
	now := g.refs == 0 && !g.closed
	if now {
		g.closed = true
	}
	g.mu.Unlock()
	if now {
		g.shutdown()
	}
}

func (g *generation) shutdown() {
	g.gc.stop()
	if err := g.db.Close(); err != nil {
		g.log.Warn("ошибка закрытия поколения", "error", err)
	}
	if g.remove {
		if err := os.RemoveAll(g.dir); err != nil {
			g.log.Warn("не удалось удалить поколение", "error", err)
			return
		}
		g.log.Debug("поколение удалено")
	}
}
