// File: internal/concurrency/stack.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "sync"

// Stack is a bounded LIFO. The most recently pushed item is reused first so
// that hot goroutines stay hot.
type Stack[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

// NewStack creates a stack holding at most limit items.
func NewStack[T any](limit int) *Stack[T] {
	if limit < 0 {
		limit = 0
	}
	return &Stack[T]{limit: limit, items: make([]T, 0, min(limit, 64))}
}

// Push adds v; returns false if the stack is full.
func (s *Stack[T]) Push(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.limit {
		return false
	}
	s.items = append(s.items, v)
	return true
}

// Pop removes the most recently pushed item.
func (s *Stack[T]) Pop() (v T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if n == 0 {
		return v, false
	}
	v = s.items[n-1]
	var zero T
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return v, true
}

// Remove deletes the first item accepted by match. Used when a parked item
// is woken by other means than Pop.
func (s *Stack[T]) Remove(match func(T) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if match(it) {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Drain removes and returns every item.
func (s *Stack[T]) Drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.items
	s.items = make([]T, 0, cap(out))
	return out
}

// Len returns the number of items.
func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Limit returns the capacity bound.
func (s *Stack[T]) Limit() int { return s.limit }
