// Package filter — булевы фильтры объектов слоя и их построение из
// охвата карты и полнотекстового запроса.
package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nikitaxru/mapsheet/feature"
)

// Filter — условие отбора объектов.
type Filter interface {
	Matches(f feature.Feature) bool
	String() string
}

type include struct{}

func (include) Matches(feature.Feature) bool { return true }
func (include) String() string                { return "INCLUDE" }

type exclude struct{}

func (exclude) Matches(feature.Feature) bool { return false }
func (exclude) String() string                { return "EXCLUDE" }

var (
	// Include пропускает всё.
	Include Filter = include{}
	// Exclude не пропускает ничего.
	Exclude Filter = exclude{}
)

// BBox пропускает объекты, охват которых пересекает Envelope.
type BBox struct {
	Envelope feature.Envelope
}

func (b BBox) Matches(f feature.Feature) bool { return b.Envelope.Intersects(f.Bounds) }

func (b BBox) String() string { return b.Envelope.String() }

// IDs пропускает объекты с перечисленными идентификаторами.
type IDs struct {
	set map[string]struct{}
}

// NewIDs строит фильтр по идентификаторам.
func NewIDs(ids ...string) IDs {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return IDs{set: set}
}

func (f IDs) Matches(ft feature.Feature) bool { return f.Contains(ft.ID) }

// Contains сообщает, входит ли id в набор.
func (f IDs) Contains(id string) bool {
	_, ok := f.set[id]
	return ok
}

// Len — размер набора.
func (f IDs) Len() int { return len(f.set) }

// Sorted — идентификаторы по возрастанию.
func (f IDs) Sorted() []string {
	out := make([]string, 0, len(f.set))
	for id := range f.set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (f IDs) String() string {
	return fmt.Sprintf("IN(%s)", strings.Join(f.Sorted(), ", "))
}

// AndFilter — конъюнкция фильтров.
type AndFilter []Filter

func (a AndFilter) Matches(f feature.Feature) bool {
	for _, c := range a {
		if !c.Matches(f) {
			return false
		}
	}
	return true
}

func (a AndFilter) String() string {
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// And объединяет фильтры: Include выбрасывается, любой Exclude даёт
// Exclude, единственный оставшийся фильтр возвращается как есть.
func And(fs ...Filter) Filter {
	var out AndFilter
	for _, f := range fs {
		switch f.(type) {
		case nil, include:
			continue
		case exclude:
			return Exclude
		case AndFilter:
			out = append(out, f.(AndFilter)...)
			continue
		}
		out = append(out, f)
	}
	switch len(out) {
	case 0:
		return Include
	case 1:
		return out[0]
	default:
		return out
	}
}
