package nio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolExecutesAllTasks(t *testing.T) {
	pool := NewPool(4)
	defer pool.Stop()

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		pool.Execute(func() {
			done.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	if done.Load() != 100 {
		t.Fatalf("executed %d tasks, want 100", done.Load())
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool := NewPool(2)
	pool.Stop()
	pool.Stop()

	// submissions after stop are dropped, not executed
	var ran atomic.Bool
	pool.Execute(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("task ran after stop")
	}
}

func TestPoolConcurrentSubmitters(t *testing.T) {
	pool := NewPool(3)
	defer pool.Stop()

	var done atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pool.Execute(func() { done.Add(1) })
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for done.Load() != 400 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if done.Load() != 400 {
		t.Fatalf("executed %d tasks, want 400", done.Load())
	}
}
