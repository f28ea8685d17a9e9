// Package inflight tracks the number of in-flight units of work per key.
//
// Counters live in a sharded concurrent map, so unrelated keys never contend
// on a shared lock. Every increment hands back a Guard; releasing the guard is
// the only way to decrement, and a key is removed once its count reaches zero.
package inflight

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Table maps keys to in-flight counts.
// NOTE: Use New to create a Table.
type Table struct {
	counters *xsync.MapOf[string, int64]
}

// New constructs an empty Table.
func New() *Table {
	return &Table{counters: xsync.NewMapOf[string, int64]()}
}

// Incr increments the count for key by one and returns the guard for this
// increment together with the count after incrementing.
func (t *Table) Incr(key string) (*Guard, int64) {
	count, _ := t.counters.Compute(key, func(old int64, _ bool) (int64, bool) {
		return old + 1, false
	})
	return &Guard{table: t, key: key}, count
}

// Count returns the current count for key.
func (t *Table) Count(key string) int64 {
	v, _ := t.counters.Load(key)
	return v
}

// Len returns the number of keys with a non-zero count.
func (t *Table) Len() int {
	return t.counters.Size()
}

// Total returns the sum of all counts.
func (t *Table) Total() int64 {
	var total int64
	t.counters.Range(func(_ string, v int64) bool {
		total += v
		return true
	})
	return total
}

func (t *Table) decr(key string) {
	t.counters.Compute(key, func(old int64, loaded bool) (int64, bool) {
		if !loaded {
			return 0, true
		}
		n := old - 1
		return n, n <= 0
	})
}

// Guard represents one increment of one key.
type Guard struct {
	table    *Table
	key      string
	released atomic.Bool
}

// Key returns the key the guard was taken for.
func (g *Guard) Key() string { return g.key }

// Release gives the increment back. Only the first call has an effect.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.table.decr(g.key)
}
