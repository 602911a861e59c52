package mapsheet

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckResult — результат фоновой проверки поля.
type CheckResult struct {
	Field  string
	Output string
	Err    error
}

// Checker выполняет проверку текста в фоне по мере ввода. Новая проверка
// поля отменяет предыдущую, а её результат уже не доставляется.
type Checker struct {
	renderer *Renderer
	timeout  time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*checkRun
	closed bool
	wg     sync.WaitGroup
}

type checkRun struct {
	cancel context.CancelFunc
}

// CheckerOption настраивает Checker.
type CheckerOption func(*Checker)

// WithCheckTimeout ограничивает время одной проверки; 0 — без ограничения.
func WithCheckTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) { c.timeout = d }
}

// WithCheckerLogger задаёт логгер.
func WithCheckerLogger(l *slog.Logger) CheckerOption {
	return func(c *Checker) { c.log = l }
}

// NewChecker создаёт Checker поверх рендерера.
func NewChecker(r *Renderer, opts ...CheckerOption) *Checker {
	if r == nil {
		r = NewRenderer(nil, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		renderer: r,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		runs:     map[string]*checkRun{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check запускает проверку text для поля field. done вызывается из
// фоновой горутины, только если проверку не вытеснила более новая.
// Привязки копируются.
func (c *Checker) Check(field, text string, b *Bindings, done func(CheckResult)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if prev, ok := c.runs[field]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	if c.timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, c.timeout)
	}
	run := &checkRun{cancel: cancel}
	c.runs[field] = run
	c.wg.Add(1)
	c.mu.Unlock()

	bindings := b.Clone()
	go func() {
		defer c.wg.Done()
		defer cancel()

		out, err := c.renderer.Render(ctx, text, bindings)

		c.mu.Lock()
		current := c.runs[field] == run && !c.closed
		if current {
			delete(c.runs, field)
		}
		c.mu.Unlock()
		if !current {
			c.log.Debug("устаревшая проверка отброшена", "field", field)
			return
		}
		if done != nil {
			done(CheckResult{Field: field, Output: out, Err: err})
		}
	}()
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

// Cancel отменяет проверку поля, если она идёт.
func (c *Checker) Cancel(field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.runs[field]; ok {
		run.cancel()
		delete(c.runs, field)
	}
}

// Close отменяет все проверки; результаты больше не доставляются.
func (c *Checker) Close() {
	c.mu.Lock()
	c.closed = true
	c.runs = map[string]*checkRun{}
	c.mu.Unlock()
	c.cancel()
}

// Wait ждёт завершения всех запущенных проверок.
func (c *Checker) Wait() { c.wg.Wait() }
