package tierbase

import (
	"hash/fnv"
	"sync"
)

// StripedLocks shards per-key locking over a fixed set of RWMutexes.
// The same key always maps to the same stripe; unrelated keys rarely contend.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

// NewStripedLocks creates a lock set; non-positive counts default to 32
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock takes the key's stripe exclusively and returns the release func
func (sl *StripedLocks) Lock(key string) func() {
	m := &sl.stripes[sl.stripeFor(key)]
	m.Lock()
	return m.Unlock
}

// RLock takes the key's stripe shared and returns the release func
func (sl *StripedLocks) RLock(key string) func() {
	m := &sl.stripes[sl.stripeFor(key)]
	m.RLock()
	return m.RUnlock
}

func (sl *StripedLocks) stripeFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
