// Package store provides keyed in-memory tables with single-writer-per-key
// discipline. Updates to the same key are serialized through a per-key mutex
// while updates to different keys proceed in parallel.
package store

import (
	"context"
	"fmt"
	"sync"
)

// UnavailableError reports a transient storage failure. Callers should retry
// with backoff; the failed operation left no partial state behind.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Keyed is a generic keyed table. The zero value is not usable; construct
// with NewKeyed.
type Keyed[V any] struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
	items map[string]V
}

// NewKeyed creates an empty keyed table.
func NewKeyed[V any]() *Keyed[V] {
	return &Keyed[V]{
		locks: make(map[string]*sync.Mutex),
		items: make(map[string]V),
	}
}

// keyLock returns the mutex guarding the given key, creating it on first use.
func (s *Keyed[V]) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get returns a copy of the value stored under key.
func (s *Keyed[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[key]
	if !ok {
		return zero, false, nil
	}
	return v, true, nil
}

// List returns copies of all stored values in unspecified order.
func (s *Keyed[V]) List(ctx context.Context) ([]V, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out, nil
}

// Len returns the number of stored values.
func (s *Keyed[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Update runs fn inside the key's critical section. fn receives the current
// value (zero value when absent) and returns the value to store; returning
// keep=false leaves the table unchanged. A non-nil error from fn aborts the
// update and is returned to the caller.
//
// Cancellation is checked before the critical section is entered; once fn
// starts it always runs to completion so no half-applied update is ever
// observed.
func (s *Keyed[V]) Update(ctx context.Context, key string, fn func(cur V, exists bool) (V, bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.items[key]
	s.mu.RUnlock()

	next, keep, err := fn(cur, ok)
	if err != nil {
		return err
	}
	if !keep {
		return nil
	}

	s.mu.Lock()
	s.items[key] = next
	s.mu.Unlock()
	return nil
}

// DeleteIf removes the value stored under key only when fn approves the
// current value. Check and removal happen inside the key's critical section,
// so a concurrent writer cannot slip a new value in between them.
func (s *Keyed[V]) DeleteIf(ctx context.Context, key string, fn func(cur V) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || !fn(cur) {
		return nil
	}

	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Delete removes the value stored under key, if any.
func (s *Keyed[V]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	// The key's mutex is retained: another writer may already hold a
	// reference to it, and dropping it here would let two writers enter the
	// same key's critical section.
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}
