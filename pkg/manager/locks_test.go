package manager

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLockTryLock(t *testing.T) {
	l := NewKeyedLock()

	unlock, ok := l.TryLock("a")
	require.True(t, ok)
	assert.True(t, l.Held("a"))

	_, ok = l.TryLock("a")
	assert.False(t, ok, "same key is exclusive")

	unlockB, ok := l.TryLock("b")
	require.True(t, ok, "other keys are independent")
	unlockB()

	unlock()
	unlock()
	assert.False(t, l.Held("a"))

	unlock, ok = l.TryLock("a")
	require.True(t, ok)
	unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.slots, "released keys are dropped")
}

func TestKeyedLockBlocks(t *testing.T) {
	l := NewKeyedLock()
	unlock := l.Lock("a")

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		u := l.Lock("a")
		acquired.Store(true)
		u()
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load())

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.True(t, acquired.Load())
}
