package subagents

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	c := NewConcurrencyManager()
	if !c.TryAcquire("explore", 2) {
		t.Fatal("first acquire failed")
	}
	if !c.TryAcquire("explore", 2) {
		t.Fatal("second acquire failed")
	}
	if c.TryAcquire("explore", 2) {
		t.Fatal("third acquire must fail at capacity 2")
	}
	c.Release("explore")
	if !c.TryAcquire("explore", 2) {
		t.Fatal("acquire after release failed")
	}
}

func TestUnlimitedCapacityStillCounts(t *testing.T) {
	c := NewConcurrencyManager()
	for i := 0; i < 5; i++ {
		if !c.TryAcquire("main", 0) {
			t.Fatal("unlimited slug must always acquire")
		}
	}
	if got := c.Snapshot()["main"].Running; got != 5 {
		t.Errorf("running = %d, want 5", got)
	}
}

func TestWaitServesFIFO(t *testing.T) {
	c := NewConcurrencyManager()
	if !c.TryAcquire("explore", 1) {
		t.Fatal("initial acquire failed")
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ready := make(chan struct{}, 2)
	for i := 1; i <= 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			if err := c.Wait(context.Background(), "explore", 1); err != nil {
				t.Errorf("wait %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			c.Release("explore")
		}()
		<-ready
		// Give the goroutine time to enqueue before starting the next.
		waitUntil(t, func() bool { return c.Snapshot()["explore"].Queued == i })
	}

	c.Release("explore")
	wg.Wait()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("grant order = %v, want [1 2]", order)
	}
}

func TestWaitCancellationLeavesQueue(t *testing.T) {
	c := NewConcurrencyManager()
	c.TryAcquire("explore", 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Wait(ctx, "explore", 1) }()
	waitUntil(t, func() bool { return c.Snapshot()["explore"].Queued == 1 })

	cancel()
	if err := <-errCh; err == nil {
		t.Fatal("expected context error")
	}
	if got := c.Snapshot()["explore"].Queued; got != 0 {
		t.Errorf("queued = %d after cancellation, want 0", got)
	}

	// The held slot is unaffected and still releasable.
	c.Release("explore")
	if !c.TryAcquire("explore", 1) {
		t.Error("slot lost after cancelled waiter")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
