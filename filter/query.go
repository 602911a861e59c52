package filter

import (
	"context"
	"sync"

	"github.com/nikitaxru/mapsheet/feature"
)

// Change — что изменилось в запросе сессии.
type Change int

const (
	TextChanged Change = iota
	ExtentChanged
)

// Query — запрос одной пользовательской сессии: текст поиска и охват
// карты. Подписчики узнают об изменениях и перестраивают фильтры слоёв.
type Query struct {
	builder *Builder

	mu     sync.RWMutex
	text   string
	extent *feature.Envelope
	subs   map[int]func(Change)
	next   int
}

// NewQuery создаёт запрос без ограничений.
func NewQuery(b *Builder) *Query {
	return &Query{builder: b, subs: map[int]func(Change){}}
}

// Text — текущий текст поиска.
func (q *Query) Text() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.text
}

// Extent — текущий охват карты (nil — не задан).
func (q *Query) Extent() *feature.Envelope {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.extent == nil {
		return nil
	}
	e := *q.extent
	return &e
}

// SetText меняет текст поиска и оповещает подписчиков, если он изменился.
func (q *Query) SetText(text string) {
	q.mu.Lock()
	changed := q.text != text
	q.text = text
	q.mu.Unlock()
	if changed {
		q.fire(TextChanged)
	}
}

// SetExtent меняет охват карты (nil — снять).
func (q *Query) SetExtent(e *feature.Envelope) {
	q.mu.Lock()
	changed := !sameExtent(q.extent, e)
	if e != nil {
		cp := *e
		e = &cp
	}
	q.extent = e
	q.mu.Unlock()
	if changed {
		q.fire(ExtentChanged)
	}
}

func sameExtent(a, b *feature.Envelope) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Subscribe регистрирует получателя изменений; возвращает отписку.
func (q *Query) Subscribe(fn func(Change)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.next
	q.next++
	q.subs[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

func (q *Query) fire(c Change) {
	q.mu.RLock()
	subs := make([]func(Change), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Build строит фильтр слоя по текущему состоянию запроса.
func (q *Query) Build(ctx context.Context, layer feature.Layer) (Filter, error) {
	q.mu.RLock()
	text, extent := q.text, q.extent
	q.mu.RUnlock()
	return q.builder.Build(ctx, layer, extent, text)
}
