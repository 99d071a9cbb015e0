package com

import "sync"

// Map defines a concurrent-safe map structure.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.Mutex
}

func NewMap[K comparable, V any]() Map[K, V] { return Map[K, V]{m: make(map[K]V)} }

func (m *Map[K, V]) Put(key K, v V)    { m.mu.Lock(); m.m[key] = v; m.mu.Unlock() }
func (m *Map[K, _]) RemoveByKey(key K) { m.mu.Lock(); delete(m.m, key); m.mu.Unlock() }

// Pop removes and returns the value of the key.
func (m *Map[K, V]) Pop(key K) (v V, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok = m.m[key]
	delete(m.m, key)
	return
}

// Drain removes everything passing each value into fn.
func (m *Map[K, V]) Drain(fn func(v V)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		fn(v)
		delete(m.m, k)
	}
}
