package filter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nikitaxru/mapsheet/feature"
)

// Querier — полнотекстовый поиск: отсортированные идентификаторы объектов.
type Querier interface {
	Query(ctx context.Context, text string) ([]string, error)
}

// QuerierFunc — адаптер функции к Querier.
type QuerierFunc func(ctx context.Context, text string) ([]string, error)

func (f QuerierFunc) Query(ctx context.Context, text string) ([]string, error) { return f(ctx, text) }

// ReprojectionError — охват карты не удалось перевести в систему
// координат слоя.
type ReprojectionError struct {
	LayerID string
	From    string
	To      string
	Err     error
}

func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("перепроецирование охвата слоя %s (%s -> %s): %v", e.LayerID, e.From, e.To, e.Err)
}

func (e *ReprojectionError) Unwrap() error { return e.Err }

// Option настраивает Builder.
type Option func(*Builder)

// StrictReprojection: при ошибке перепроецирования слой не показывает
// ничего (Exclude) вместо того, чтобы игнорировать охват.
func StrictReprojection() Option {
	return func(b *Builder) { b.strict = true }
}

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// Builder строит фильтр слоя из охвата карты и текста запроса.
type Builder struct {
	q      Querier
	rp     feature.Reprojector
	strict bool
	log    *slog.Logger
}

// NewBuilder создаёт Builder. rp == nil — feature.SameCRS.
func NewBuilder(q Querier, rp feature.Reprojector, opts ...Option) *Builder {
	if rp == nil {
		rp = feature.SameCRS
	}
	b := &Builder{q: q, rp: rp, log: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build возвращает And(пространственный, полнотекстовый).
// extent == nil и пустой запрос не ограничивают выборку.
func (b *Builder) Build(ctx context.Context, layer feature.Layer, extent *feature.Envelope, queryText string) (Filter, error) {
	spatial := b.Spatial(ctx, layer, extent)
	fulltext, err := b.Fulltext(ctx, queryText)
	if err != nil {
		return nil, err
	}
	return And(spatial, fulltext), nil
}

// Spatial — фильтр по охвату в системе координат слоя.
func (b *Builder) Spatial(ctx context.Context, layer feature.Layer, extent *feature.Envelope) Filter {
	if extent == nil {
		return Include
	}
	env, err := b.rp.Transform(ctx, *extent, layer.CRS)
	if err != nil {
		rerr := &ReprojectionError{LayerID: layer.ID, From: extent.CRS, To: layer.CRS, Err: err}
		b.log.Warn("охват не учтён", "layer_id", layer.ID, "error", rerr, "strict", b.strict)
		if b.strict {
			return Exclude
		}
		return Include
	}
	return BBox{Envelope: env}
}

// Fulltext — фильтр по результату полнотекстового поиска: пустой запрос —
// Include, ни одного совпадения — Exclude.
func (b *Builder) Fulltext(ctx context.Context, queryText string) (Filter, error) {
	if strings.TrimSpace(queryText) == "" || b.q == nil {
		return Include, nil
	}
	ids, err := b.q.Query(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("полнотекстовый запрос %q: %w", queryText, err)
	}
	if len(ids) == 0 {
		return Exclude, nil
	}
	return NewIDs(ids...), nil
}
