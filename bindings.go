package mapsheet

import (
	"fmt"
	"maps"
	"slices"
)

// Bindings — набор именованных значений для одного рендера.
// Не предназначен для конкурентной записи: создаётся, заполняется и
// передаётся в рендер; для фоновой проверки передаётся Clone().
type Bindings struct {
	vars map[string]any
}

// NewBindings создаёт пустой набор.
func NewBindings() *Bindings {
	return &Bindings{vars: map[string]any{}}
}

// Set задаёт значение, перезаписывая существующее.
func (b *Bindings) Set(name string, value any) *Bindings {
	b.vars[name] = value
	return b
}

// Add добавляет значение; повторное имя — ErrDuplicateBinding.
func (b *Bindings) Add(name string, value any) error {
	if _, ok := b.vars[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBinding, name)
	}
	b.vars[name] = value
	return nil
}

// MustAdd — Add с паникой, удобно при инициализации и в тестах.
func (b *Bindings) MustAdd(name string, value any) *Bindings {
	if err := b.Add(name, value); err != nil {
		panic(err)
	}
	return b
}

// Get возвращает значение и признак наличия имени (nil-значение тоже «есть»).
func (b *Bindings) Get(name string) (any, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b.vars[name]
	return v, ok
}

// Len — число привязок.
func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.vars)
}

// Names — отсортированные имена.
func (b *Bindings) Names() []string {
	if b == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(b.vars))
}

// Env возвращает копию в виде окружения для интерпретатора.
func (b *Bindings) Env() map[string]any {
	if b == nil {
		return map[string]any{}
	}
	return maps.Clone(b.vars)
}

// Clone — независимая копия набора.
func (b *Bindings) Clone() *Bindings {
	return &Bindings{vars: b.Env()}
}
