package feature

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Memory — LayerSource и FeatureSource в памяти. Используется в примерах
// и тестах, а также хостами без собственного хранилища.
type Memory struct {
	mu       sync.RWMutex
	maps     map[string][]Layer
	features map[string][]Feature
	failing  map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		maps:     map[string][]Layer{},
		features: map[string][]Feature{},
		failing:  map[string]error{},
	}
}

// AddLayer добавляет слой в карту mapID вместе с его объектами.
func (m *Memory) AddLayer(mapID string, l Layer, fs ...Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maps[mapID] = append(m.maps[mapID], l)
	m.features[l.ID] = append(m.features[l.ID], fs...)
}

// SetFeatures заменяет объекты слоя.
func (m *Memory) SetFeatures(layerID string, fs ...Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[layerID] = append([]Feature(nil), fs...)
}

// FailLayer заставляет выборку объектов слоя завершаться ошибкой (nil снимает).
func (m *Memory) FailLayer(layerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, layerID)
		return
	}
	m.failing[layerID] = err
}

func (m *Memory) Layers(_ context.Context, mapID string) ([]Layer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.maps[mapID]
	if !ok {
		return nil, fmt.Errorf("карта не найдена: %s", mapID)
	}
	return append([]Layer(nil), ls...), nil
}

func (m *Memory) Features(ctx context.Context, l Layer) iter.Seq2[Feature, error] {
	m.mu.RLock()
	fs := append([]Feature(nil), m.features[l.ID]...)
	failErr := m.failing[l.ID]
	m.mu.RUnlock()

	return func(yield func(Feature, error) bool) {
		if failErr != nil {
			yield(Feature{}, failErr)
			return
		}
		for _, f := range fs {
			if err := ctx.Err(); err != nil {
				yield(Feature{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
