package index

import (
	"container/list"
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// queryCache — ограниченный LRU «текст запроса → идентификаторы» без TTL.
// Промах вычисляется один раз на ключ: конкурентные вызовы ждут первое
// вычисление. Ошибки не кешируются.
type queryCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	lru     *list.List
	flight  singleflight.Group
}

type cacheEntry struct {
	key string
	ids []string
}

func newQueryCache(max int) *queryCache {
	if max <= 0 {
		max = 1
	}
	return &queryCache{
		max:     max,
		entries: make(map[string]*list.Element, max),
		lru:     list.New(),
	}
}

// get возвращает копию закешированного результата.
func (c *queryCache) get(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return slices.Clone(el.Value.(*cacheEntry).ids), true
}

func (c *queryCache) put(key string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).ids = ids
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, ids: ids})
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *queryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// getOrCompute — compute-if-absent. hit сообщает, что ответ взят из кеша.
func (c *queryCache) getOrCompute(ctx context.Context, key string, compute func(context.Context) ([]string, error)) (ids []string, hit bool, err error) {
	if ids, ok := c.get(key); ok {
		return ids, true, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		if ids, ok := c.get(key); ok {
			return ids, nil
		}
		ids, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.put(key, ids)
		return ids, nil
	})
	if err != nil {
		return nil, false, err
	}
	return slices.Clone(v.([]string)), false, nil
}
