package subscription

import (
	"sort"
	"sync"
)

type delivery[T any] struct {
	value T
	// only restricts delivery to one subscriber; 0 means everyone.
	only uint64
}

// topic fans one computed value out to every subscriber. Deliveries are
// queued and drained by a single goroutine at a time, so callbacks run in
// order, without the hub lock held, and may re-enter the hub.
type topic[T any] struct {
	subs     map[uint64]func(T)
	last     T
	hasLast  bool
	queue    []delivery[T]
	draining bool
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[uint64]func(T))}
}

// offer enqueues v for everyone if it differs from the last value, or for
// only when it is a fresh subscriber catching up.
func (t *topic[T]) offer(v T, equal func(a, b T) bool, only uint64) {
	if !t.hasLast || !equal(t.last, v) {
		t.last = v
		t.hasLast = true
		t.queue = append(t.queue, delivery[T]{value: v})
		return
	}
	if only != 0 {
		t.queue = append(t.queue, delivery[T]{value: v, only: only})
	}
}

func (t *topic[T]) targets(only uint64) []func(T) {
	if only != 0 {
		if cb, ok := t.subs[only]; ok {
			return []func(T){cb}
		}
		return nil
	}
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]func(T), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, t.subs[id])
	}
	return cbs
}

// drain must be called with mu held and returns with mu held.
func (t *topic[T]) drain(mu *sync.Mutex) {
	if t.draining {
		return
	}
	t.draining = true
	for len(t.queue) > 0 {
		d := t.queue[0]
		t.queue = t.queue[1:]
		cbs := t.targets(d.only)

		mu.Unlock()
		for _, cb := range cbs {
			cb(d.value)
		}
		mu.Lock()
	}
	t.draining = false
}

func (t *topic[T]) idle() bool {
	return len(t.subs) == 0 && !t.draining
}
