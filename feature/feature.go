// Package feature описывает данные и интерфейсы внешних коллабораторов:
// слои карты, объекты (features), охват и перепроецирование.
// Сам пакет ничего не загружает и не трансформирует.
package feature

import (
	"context"
	"fmt"
	"iter"
)

// Envelope — прямоугольный охват в заданной системе координат.
type Envelope struct {
	MinX, MinY float64
	MaxX, MaxY float64
	CRS        string
}

// IsEmpty сообщает, что охват вырожден (min > max).
func (e Envelope) IsEmpty() bool {
	return e.MinX > e.MaxX || e.MinY > e.MaxY
}

// Intersects проверяет пересечение двух охватов. CRS не сравнивается:
// приведение к одной системе — задача вызывающего.
func (e Envelope) Intersects(o Envelope) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

func (e Envelope) String() string {
	return fmt.Sprintf("BBOX(%g %g, %g %g; %s)", e.MinX, e.MinY, e.MaxX, e.MaxY, e.CRS)
}

// Layer — слой карты с метаданными, доступными шаблонам.
type Layer struct {
	ID          string
	Label       string
	Description string
	Keywords    []string
	CRS         string
}

// String — подпись слоя; так $layer выглядит в тексте листа.
func (l Layer) String() string { return l.Label }

// Attribute — описание одного атрибута схемы слоя.
type Attribute struct {
	Name string
	Type string
}

// Feature — один объект слоя.
type Feature struct {
	ID         string
	Properties map[string]any
	Bounds     Envelope
}

// LayerSource перечисляет слои карты в порядке их следования.
type LayerSource interface {
	Layers(ctx context.Context, mapID string) ([]Layer, error)
}

// FeatureSource отдаёт объекты слоя лениво; последовательность может быть
// неограниченной, поэтому потребитель обязан проверять ctx.
type FeatureSource interface {
	Features(ctx context.Context, layer Layer) iter.Seq2[Feature, error]
}

// Reprojector переводит охват в систему координат слоя.
type Reprojector interface {
	Transform(ctx context.Context, e Envelope, crs string) (Envelope, error)
}

// ReprojectorFunc — адаптер функции к Reprojector.
type ReprojectorFunc func(ctx context.Context, e Envelope, crs string) (Envelope, error)

func (f ReprojectorFunc) Transform(ctx context.Context, e Envelope, crs string) (Envelope, error) {
	return f(ctx, e, crs)
}

// SameCRS — перепроецирование без преобразования: успешно только при
// совпадении систем координат (или пустой целевой CRS).
var SameCRS = ReprojectorFunc(func(_ context.Context, e Envelope, crs string) (Envelope, error) {
	if crs == "" || e.CRS == "" || crs == e.CRS {
		if crs != "" {
			e.CRS = crs
		}
		return e, nil
	}
	return Envelope{}, fmt.Errorf("нет преобразования %s -> %s", e.CRS, crs)
})
