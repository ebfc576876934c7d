package concurrency_test

import (
	"sync"
	"testing"
	"time"

	"telegram-syncd/internal/infra/concurrency"
)

func TestSeenSuppressesRepeats(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(time.Minute)

	if d.Seen(100, 1, 0) {
		t.Fatal("first delivery reported as repeat")
	}
	if !d.Seen(100, 1, 0) {
		t.Fatal("second delivery not suppressed")
	}
}

func TestSeenDistinguishesKeys(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(time.Minute)
	d.Seen(100, 1, 0)

	if d.Seen(100, 2, 0) {
		t.Fatal("different message id suppressed")
	}
	if d.Seen(-200, 1, 0) {
		t.Fatal("different chat id suppressed")
	}
	// Правка меняет editDate и должна пройти как новое событие.
	if d.Seen(100, 1, 1700000000) {
		t.Fatal("edited message suppressed")
	}
}

func TestZeroWindowDisablesDedup(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(0)
	for i := 0; i < 3; i++ {
		if d.Seen(100, 1, 0) {
			t.Fatal("zero window suppressed an event")
		}
	}
}

func TestCleanupDropsExpired(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(time.Millisecond)
	d.Seen(100, 1, 0)

	time.Sleep(5 * time.Millisecond)
	d.Cleanup()

	if d.Seen(100, 1, 0) {
		t.Fatal("expired key still suppresses")
	}
}

func TestSeenConcurrent(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(time.Minute)

	var wg sync.WaitGroup
	hits := make([]int, 16)
	for g := 0; g < 16; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !d.Seen(int64(g), i, 0) {
					hits[g]++
				}
			}
		}()
	}
	wg.Wait()

	for g, n := range hits {
		if n != 100 {
			t.Fatalf("goroutine %d: %d unique events, want 100", g, n)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(time.Minute)
	d.Start(t.Context())
	d.Start(t.Context()) // повторный старт игнорируется
	d.Stop()
	d.Stop() // повторная остановка безопасна
}
