package realtime

import (
	"context"
	"slices"
	"sync"
)

// collectionPolicy configures how a collection orders and reconciles its items.
type collectionPolicy[T any] struct {
	// key identifies an item; at most one item per key is kept.
	key func(T) string
	// compare orders items. When nil, items keep the order they were given in.
	compare func(a, b T) int
	// retainLive keeps items inserted while a replace was in flight.
	retainLive bool
}

// ticket identifies a replace request. seq orders requests, mark is the
// insertion counter observed when the request started.
type ticket struct {
	seq  uint64
	mark uint64
}

// collection is a reconcilable set of items. It supports two kinds of updates:
// sorted, deduplicating inserts and wholesale replacement from an authoritative
// read. Replacements complete out of order safely: only a request newer than the
// last applied one takes effect.
type collection[T any] struct {
	policy collectionPolicy[T]

	mu      sync.RWMutex
	items   []T
	marks   map[string]uint64
	mark    uint64
	issued  uint64
	applied uint64
	closed  bool

	// version counts mutations; notifications older than the last delivered one are dropped.
	version  uint64
	notifyMu sync.Mutex
	notified uint64
	onChange func([]T)
}

func newCollection[T any](policy collectionPolicy[T]) *collection[T] {
	return &collection[T]{
		policy: policy,
		marks:  make(map[string]uint64),
	}
}

// setOnChange registers f to be called with a snapshot after every mutation.
// f must not mutate the collection.
func (c *collection[T]) setOnChange(f func([]T)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onChange = f
}

// commit releases the write lock and notifies observers with a snapshot.
// It must be called with c.mu held for writing. Observers run outside the data
// lock so they may read the collection.
func (c *collection[T]) commit() {
	c.version++
	v := c.version
	snap := slices.Clone(c.items)
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if v <= c.notified {
		return
	}
	c.notified = v
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func (c *collection[T]) snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

func (c *collection[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// last returns the greatest item of a sorted collection.
func (c *collection[T]) last() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T
	if len(c.items) == 0 {
		return zero, false
	}
	return c.items[len(c.items)-1], true
}

// insert adds item at its sorted position. It is a no-op returning false when an
// item with the same key is present or the collection is closed.
func (c *collection[T]) insert(item T) bool {
	k := c.policy.key(item)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.marks[k]; ok {
		c.mu.Unlock()
		return false
	}
	c.mark++
	c.marks[k] = c.mark
	if c.policy.compare == nil {
		c.items = append(c.items, item)
	} else {
		i, _ := slices.BinarySearchFunc(c.items, item, c.policy.compare)
		c.items = slices.Insert(c.items, i, item)
	}
	c.commit()
	return true
}

// begin issues a ticket for a replace that is about to fetch.
func (c *collection[T]) begin() ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return ticket{seq: c.issued, mark: c.mark}
}

// replace swaps the working set for items if t is newer than the last applied
// replace. Duplicate keys in items keep the last occurrence. It reports whether
// the replacement was applied.
func (c *collection[T]) replace(t ticket, items []T) bool {
	c.mu.Lock()
	if c.closed || t.seq <= c.applied {
		c.mu.Unlock()
		return false
	}
	c.applied = t.seq

	next := make([]T, 0, len(items))
	marks := make(map[string]uint64, len(items))
	pos := make(map[string]int, len(items))
	for _, item := range items {
		k := c.policy.key(item)
		if i, ok := pos[k]; ok {
			next[i] = item
			continue
		}
		pos[k] = len(next)
		marks[k] = 0
		next = append(next, item)
	}

	if c.policy.retainLive {
		for _, item := range c.items {
			k := c.policy.key(item)
			if _, ok := marks[k]; ok {
				continue
			}
			if m := c.marks[k]; m > t.mark {
				marks[k] = m
				next = append(next, item)
			}
		}
	}

	if c.policy.compare != nil {
		slices.SortStableFunc(next, c.policy.compare)
	}
	c.items = next
	c.marks = marks
	c.commit()
	return true
}

// reconcile runs fetch under a fresh ticket and applies the result.
// It reports whether the result was applied; a stale or post-close completion is discarded.
func (c *collection[T]) reconcile(ctx context.Context, fetch func(context.Context) ([]T, error)) (bool, error) {
	t := c.begin()
	items, err := fetch(ctx)
	if err != nil {
		return false, err
	}
	return c.replace(t, items), nil
}

// close stops all further mutations.
func (c *collection[T]) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *collection[T]) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
