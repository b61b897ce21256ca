package cache

import (
	"container/list"
	"sync"

	"github.com/imgpipe/imgpipe/core"
)

// Memory is a bounded-size LRU decoded-image cache.
type Memory struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type memEntry struct {
	key       string
	container *core.Container
}

// NewMemory creates a Memory cache holding at most capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (m *Memory) Get(key string) (*core.Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memEntry).container, true
}

func (m *Memory) Set(key string, c *core.Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		el.Value.(*memEntry).container = c
		m.order.MoveToFront(el)
		return
	}
	el := m.order.PushFront(&memEntry{key: key, container: c})
	m.entries[key] = el
	for m.order.Len() > m.capacity {
		m.evictOldest()
	}
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
}

func (m *Memory) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.order.Init()
}

func (m *Memory) evictOldest() {
	el := m.order.Back()
	if el == nil {
		return
	}
	m.order.Remove(el)
	delete(m.entries, el.Value.(*memEntry).key)
}
