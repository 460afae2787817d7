package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLockSerializesSameKey(t *testing.T) {
	locks := New()
	var (
		mu      sync.Mutex
		order   []int
		running int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := locks.Lock(PairKey("learner", 1))
			defer unlock()

			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "same key must never be held concurrently")
	assert.Len(t, order, 20)
	assert.Equal(t, 0, locks.Len(), "entries should be released")
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	locks := New()
	unlockA := locks.Lock(PairKey("learner", 1))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock(PairKey("learner", 2))
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	locks := New()
	unlock := locks.Lock("k")
	unlock()
	unlock()

	require.Equal(t, 0, locks.Len())
	again := locks.Lock("k")
	again()
}

func TestPairKey(t *testing.T) {
	assert.Equal(t, "anon_1:42", PairKey("anon_1", 42))
}
