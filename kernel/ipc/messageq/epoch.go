package messageq

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// epoch is a change counter readers can block on. Writers bump it after
// every state change; a reader remembers the value it last acted on and
// waits for it to move.
type epoch struct {
	value atomic.Uint32

	mu      sync.Mutex
	waiters []chan struct{}

	increments atomic.Uint64
	wakes      atomic.Uint64
}

func (e *epoch) load() uint32 { return e.value.Load() }

func (e *epoch) increment() {
	e.value.Add(1)
	e.increments.Add(1)
	e.notifyWaiters()
}

// wait returns true once the epoch differs from last, false when timeout
// elapses first. A negative timeout waits until ctx is done.
func (e *epoch) wait(ctx context.Context, last uint32, timeout time.Duration) (bool, error) {
	if e.value.Load() != last {
		e.wakes.Add(1)
		return true, nil
	}

	// A short spin catches puts racing the reader without a channel.
	for i := 0; i < 8; i++ {
		runtime.Gosched()
		if e.value.Load() != last {
			e.wakes.Add(1)
			return true, nil
		}
	}

	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	if e.value.Load() != last {
		e.wakes.Add(1)
		return true, nil
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ch:
		e.wakes.Add(1)
		return true, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *epoch) addWaiter(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters = append(e.waiters, ch)
}

func (e *epoch) removeWaiter(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

func (e *epoch) notifyWaiters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
