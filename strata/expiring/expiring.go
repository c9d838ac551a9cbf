// Package expiring introduces tables whose elements prune themselves.
// Links use one to remember which peers have been heard from recently.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with an expiration timer attached
type timedV[V any] struct {
	val V
	gen uint64 // incremented per Store so a stale timer cannot prune a newer value
	exp *time.Timer
}

// A Table is a mutex-guarded map whose elements are removed after their duration elapses.
// The zero value is ready for immediate use.
//
// Tables should only be passed by reference.
//
// Accessing elements AT their expiration time is, by its very nature, a race.
// If a timer has not fired, its element is guaranteed to be present. The inverse is not guaranteed.
type Table[K comparable, V any] struct {
	mu  sync.Mutex
	m   map[K]timedV[V]
	gen uint64
}

// Store saves the given k/v and sets them to expire after the given duration.
// If a value was previously associated to this key, it is overwritten and its timer replaced.
// cleanup functions are called, in order, after an expired key is deleted from the table.
// They are not called if the key is overwritten or explicitly deleted first.
func (tbl *Table[K, V]) Store(key K, value V, expire time.Duration, cleanup ...func(K, V)) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.m == nil {
		tbl.m = make(map[K]timedV[V])
	}
	if prior, found := tbl.m[key]; found {
		prior.exp.Stop()
	}
	tbl.gen++
	gen := tbl.gen
	tbl.m[key] = timedV[V]{
		val: value,
		gen: gen,
		exp: time.AfterFunc(expire, func() {
			tbl.mu.Lock()
			cur, found := tbl.m[key]
			if !found || cur.gen != gen {
				tbl.mu.Unlock()
				return
			}
			delete(tbl.m, key)
			tbl.mu.Unlock()
			for _, f := range cleanup {
				f(key, value)
			}
		}),
	}
}

// Load fetches the value associated to the given key if available.
func (tbl *Table[K, V]) Load(key K) (value V, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return value, false
	}
	return tv.val, true
}

// Delete destroys a key in the table and stops its timer (if found).
// Ineffectual if key is not found.
func (tbl *Table[K, V]) Delete(key K) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	tv.exp.Stop()
	delete(tbl.m, key)
	return true
}

// Refresh resets the timer of the given key (if it exists) to the given duration.
// Returns false if the key is absent or its timer already fired.
func (tbl *Table[K, V]) Refresh(key K, expire time.Duration) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	if !tv.exp.Stop() {
		return false
	}
	tv.exp.Reset(expire)
	return true
}

// Keys returns every key currently in the table, in no particular order.
func (tbl *Table[K, V]) Keys() []K {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	keys := make([]K, 0, len(tbl.m))
	for k := range tbl.m {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of elements currently in the table.
func (tbl *Table[K, V]) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.m)
}
