// Package indexer периодически перестраивает полнотекстовый индекс по всем
// слоям карты. Слои индексируются параллельно; сбой одного слоя не мешает
// остальным. Новое поколение индекса фиксируется только целиком.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nikitaxru/mapsheet/feature"
	"github.com/nikitaxru/mapsheet/index"
)

// DefaultInterval — пауза между перестроениями.
const DefaultInterval = 60 * time.Minute

// State — состояние задачи индексации.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Status — сведения о последнем перестроении.
type Status struct {
	State        State
	RunID        string
	LastStart    time.Time
	LastDuration time.Duration
	LastError    error
	Documents    int64
	FailedLayers []string
	Runs         int
}

// Option настраивает Indexer.
type Option func(*Indexer)

// WithInterval задаёт паузу между перестроениями.
func WithInterval(d time.Duration) Option {
	return func(x *Indexer) {
		if d > 0 {
			x.interval = d
		}
	}
}

// WithMaxParallelLayers ограничивает число одновременно индексируемых
// слоёв; 0 — без ограничения.
func WithMaxParallelLayers(n int) Option {
	return func(x *Indexer) { x.maxParallel = n }
}

// WithRootMapID задаёт карту, слои которой индексируются.
func WithRootMapID(id string) Option {
	return func(x *Indexer) { x.rootMapID = id }
}

// WithTransformer заменяет цепочку преобразования объектов в документы.
func WithTransformer(t Transformer) Option {
	return func(x *Indexer) { x.transform = t }
}

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) Option {
	return func(x *Indexer) { x.log = l }
}

// WithRegisterer задаёт реестр метрик.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(x *Indexer) { x.reg = reg }
}

// Indexer — фоновая задача перестроения индекса.
type Indexer struct {
	layers    feature.LayerSource
	features  feature.FeatureSource
	idx       *index.Index
	rootMapID string

	interval    time.Duration
	maxParallel int
	transform   Transformer
	log         *slog.Logger
	reg         prometheus.Registerer
	metrics     *metrics

	state atomic.Int32

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// New создаёт Indexer. Планировщик не запущен до Start.
func New(layers feature.LayerSource, features feature.FeatureSource, idx *index.Index, opts ...Option) *Indexer {
	x := &Indexer{
		layers:    layers,
		features:  features,
		idx:       idx,
		rootMapID: "root",
		interval:  DefaultInterval,
		transform: DefaultTransformers(),
		log:       slog.Default(),
		trigger:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(x)
	}
	x.log = x.log.With("component", "indexer")
	x.metrics = newMetrics(x.reg)
	return x
}

// -----------------------------
// Планировщик
// -----------------------------

// Start запускает планировщик: первое перестроение сразу, следующие —
// через интервал после завершения предыдущего, с любым исходом.
// Планировщик живёт в собственном контексте и останавливается через Stop.
func (x *Indexer) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	x.cancel = cancel
	x.done = make(chan struct{})
	go x.loop(ctx, x.done)
	x.log.Info("планировщик индексации запущен", "interval", x.interval)
	return nil
}

// Stop отменяет текущее перестроение и ждёт остановки планировщика.
func (x *Indexer) Stop() {
	x.mu.Lock()
	cancel, done := x.cancel, x.done
	x.cancel, x.done = nil, nil
	x.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	x.log.Info("планировщик индексации остановлен")
}

// Trigger просит планировщик перестроить индекс сейчас. Возвращает false,
// если перестроение уже идёт или планировщик не запущен.
func (x *Indexer) Trigger() bool {
	if x.State() == Running {
		return false
	}
	x.mu.Lock()
	started := x.cancel != nil
	x.mu.Unlock()
	if !started {
		return false
	}
	select {
	case x.trigger <- struct{}{}:
	default:
	}
	return true
}

func (x *Indexer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-x.trigger:
			timer.Stop()
		}
		if err := x.Run(ctx); err != nil && ctx.Err() != nil {
			return
		}
		x.state.CompareAndSwap(int32(Completed), int32(Idle))
		x.state.CompareAndSwap(int32(Failed), int32(Idle))
		timer.Reset(x.interval)
	}
}

// State — текущее состояние.
func (x *Indexer) State() State { return State(x.state.Load()) }

// Status — копия сведений о последнем перестроении.
func (x *Indexer) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := x.status
	st.State = x.State()
	st.FailedLayers = slices.Clone(st.FailedLayers)
	return st
}

// -----------------------------
// Перестроение
// -----------------------------

// Run выполняет одно перестроение синхронно. Одновременно выполняется не
// больше одного; повторный вызов возвращает ErrAlreadyRunning.
func (x *Indexer) Run(ctx context.Context) error {
	for {
		cur := x.state.Load()
		if State(cur) == Running {
			return ErrAlreadyRunning
		}
		if x.state.CompareAndSwap(cur, int32(Running)) {
			break
		}
	}

	runID := uuid.NewString()
	start := time.Now()
	log := x.log.With("run_id", runID)
	log.Info("перестроение индекса начато")

	docs, failed, err := x.rebuild(ctx, runID, log)
	elapsed := time.Since(start)

	outcome := "completed"
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = "cancelled"
		log.Info("перестроение индекса отменено", "duration", elapsed)
	case err != nil:
		outcome = "failed"
		log.Error("перестроение индекса не удалось", "error", err, "duration", elapsed)
	default:
		log.Info("перестроение индекса завершено", "documents", docs, "failed_layers", len(failed), "duration", elapsed)
	}
	x.metrics.runs.WithLabelValues(outcome).Inc()
	x.metrics.duration.Observe(elapsed.Seconds())

	x.mu.Lock()
	x.status = Status{
		RunID:        runID,
		LastStart:    start,
		LastDuration: elapsed,
		LastError:    err,
		Documents:    docs,
		FailedLayers: failed,
		Runs:         x.status.Runs + 1,
	}
	x.mu.Unlock()

	if err != nil {
		x.state.Store(int32(Failed))
	} else {
		x.state.Store(int32(Completed))
	}
	return err
}

func (x *Indexer) rebuild(ctx context.Context, runID string, log *slog.Logger) (docs int64, failed []string, err error) {
	ctx, span := tracer.Start(ctx, "Indexer.Run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	layers, err := x.layers.Layers(ctx, x.rootMapID)
	if err != nil {
		return 0, nil, fmt.Errorf("список слоёв карты %s: %w", x.rootMapID, err)
	}
	span.SetAttributes(attribute.Int("layers", len(layers)))

	u, err := x.idx.PrepareUpdate(ctx)
	if err != nil {
		return 0, nil, err
	}
	applied := false
	defer func() {
		if !applied {
			_ = u.Discard()
		}
	}()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		skipped []string
	)
	if x.maxParallel > 0 {
		g.SetLimit(x.maxParallel)
	}
	for _, layer := range layers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := x.indexLayer(ctx, u, layer)
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				lerr := &LayerIndexingError{LayerID: layer.ID, Err: err}
				log.Warn("слой не проиндексирован", "layer_id", layer.ID, "error", lerr)
				x.metrics.failedLayers.Inc()
				mu.Lock()
				skipped = append(skipped, layer.ID)
				mu.Unlock()
				return nil
			}
			log.Debug("слой проиндексирован", "layer_id", layer.ID, "documents", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return u.Count(), sorted(skipped), err
	}
	if err := ctx.Err(); err != nil {
		return u.Count(), sorted(skipped), err
	}

	if err := u.Apply(ctx); err != nil {
		return u.Count(), sorted(skipped), err
	}
	applied = true
	x.metrics.documents.Add(float64(u.Count()))
	span.SetAttributes(attribute.Int64("documents", u.Count()), attribute.Int("failed_layers", len(skipped)))
	return u.Count(), sorted(skipped), nil
}

func (x *Indexer) indexLayer(ctx context.Context, u *index.Updater, layer feature.Layer) (n int, err error) {
	ctx, span := tracer.Start(ctx, "Indexer.Layer", trace.WithAttributes(attribute.String("layer_id", layer.ID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("documents", n))
		span.End()
	}()

	for f, ferr := range x.features.Features(ctx, layer) {
		if ferr != nil {
			return n, ferr
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		doc, err := x.transform.Transform(ctx, layer, f, index.Document{
			ID:      f.ID,
			LayerID: layer.ID,
			Fields:  map[string]string{},
		})
		if err != nil {
			return n, fmt.Errorf("объект %s: %w", f.ID, err)
		}
		if err := u.Add(doc); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sorted(ids []string) []string {
	slices.Sort(ids)
	return ids
}
