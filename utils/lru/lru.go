package lru

import (
	"container/list"
	"sync"
)

type entry[V any] struct {
	key   string
	value V
}

// LRU is a small bounded cache keyed by byte strings. Lookups take the key
// as []byte to avoid allocating on the hot path when the key is already
// cached.
type LRU[V any] struct {
	maxSize int
	items   map[string]*list.Element
	list    *list.List
	mu      sync.Mutex
}

func New[V any](maxSize int) *LRU[V] {
	if maxSize < 1 {
		panic("assertion error: maxSize < 1")
	}
	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element, maxSize),
		list:    list.New(),
	}
}

// GetOrAdd fetches the cached value and refreshes its eviction order, or
// builds and stores it, evicting the least recently used entry when full.
func (l *LRU[V]) GetOrAdd(keyB []byte, build func() V) V {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, ok := l.items[string(keyB)]
	if ok {
		l.list.MoveToFront(element)
		return element.Value.(entry[V]).value
	}

	if len(l.items) >= l.maxSize {
		element = l.list.Back()
		l.list.Remove(element)
		delete(l.items, element.Value.(entry[V]).key)
	}

	keyS := string(keyB)
	value := build()
	l.items[keyS] = l.list.PushFront(entry[V]{keyS, value})
	return value
}
