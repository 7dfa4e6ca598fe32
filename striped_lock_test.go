package tierbase

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStripedLocksDefaultCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		if locks := NewStripedLocks(n); locks.count != 32 {
			t.Errorf("NewStripedLocks(%d) stripe count = %d, want 32", n, locks.count)
		}
	}
	if locks := NewStripedLocks(4); locks.count != 4 {
		t.Errorf("stripe count = %d, want 4", locks.count)
	}
}

func TestStripedLocksConcurrentReads(t *testing.T) {
	locks := NewStripedLocks(32)
	var (
		wg      sync.WaitGroup
		active  int32
		maxSeen int32
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.RLock("videos/clip")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxSeen < 2 {
		t.Errorf("expected readers to overlap, max concurrent = %d", maxSeen)
	}
}

func TestStripedLocksExclusiveBlocking(t *testing.T) {
	locks := NewStripedLocks(32)
	unlock := locks.Lock("settings")

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("settings")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock succeeded while the first was held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestStripedLocksStableStripe(t *testing.T) {
	locks := NewStripedLocks(16)
	seen := make(map[uint32]bool)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("logs/session-%d", i)
		if locks.stripeFor(key) != locks.stripeFor(key) {
			t.Fatalf("stripe for %q is not stable", key)
		}
		seen[locks.stripeFor(key)] = true
	}

	if len(seen) < 8 {
		t.Errorf("keys spread over only %d of 16 stripes", len(seen))
	}
}

func BenchmarkStripedLockDifferentKeys(b *testing.B) {
	locks := NewStripedLocks(32)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			unlock := locks.Lock(fmt.Sprintf("key-%d", i%64))
			unlock()
			i++
		}
	})
}
