// Package observe provides a small state holder that notifies subscribers
// on every write, independent of any rendering layer.
package observe

import "sync"

// Value holds a T and fans out every write to its subscribers.
//
// Notifications are delivered synchronously, in write order, after the new
// value is visible to Get. Subscribers may call Get but must not write to the
// same Value from inside a callback.
type Value[T any] struct {
	mu      sync.RWMutex
	v       T
	version uint64

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(T)
	nextID   int
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Version returns the number of writes applied so far.
func (o *Value[T]) Version() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// Set replaces the value and notifies subscribers.
func (o *Value[T]) Set(v T) uint64 {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	o.v = v
	o.version++
	ver := o.version
	o.mu.Unlock()
	o.notify(v)
	return ver
}

// Update applies fn to the current value atomically. When fn reports false
// nothing is written and nobody is notified.
func (o *Value[T]) Update(fn func(cur T) (T, bool)) (T, uint64, bool) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	next, ok := fn(o.v)
	if !ok {
		cur, ver := o.v, o.version
		o.mu.Unlock()
		return cur, ver, false
	}
	o.v = next
	o.version++
	ver := o.version
	o.mu.Unlock()
	o.notify(next)
	return next, ver, true
}

// CompareAndSet writes v only when no other write happened since version.
func (o *Value[T]) CompareAndSet(version uint64, v T) (uint64, bool) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	if o.version != version {
		cur := o.version
		o.mu.Unlock()
		return cur, false
	}
	o.v = v
	o.version++
	ver := o.version
	o.mu.Unlock()
	o.notify(v)
	return ver, true
}

// Subscribe registers fn and returns a func that removes it.
func (o *Value[T]) Subscribe(fn func(T)) func() {
	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.subsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subs, id)
			o.subsMu.Unlock()
		})
	}
}

func (o *Value[T]) notify(v T) {
	o.subsMu.Lock()
	fns := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.subsMu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
