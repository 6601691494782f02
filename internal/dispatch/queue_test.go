package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/droidpilot/internal/types"
)

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.processor = func(task *Task) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		task := NewTask(types.SessionID(fmt.Sprintf("session-%d", i)), "goal")
		if err := queue.Enqueue(task); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(500 * time.Millisecond)

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var processed int32

	queue.SetProcessor(func(task *Task) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	if err := queue.Enqueue(NewTask("test-session", "goal")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed task, got %d", processed)
	}
}

func TestQueueSameSessionOrdering(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	queue.SetProcessor(func(task *Task) error {
		mu.Lock()
		order = append(order, task.Attempts) // reuse Attempts as sequence marker
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	sessionID := types.SessionID("same-session")
	for i := 0; i < 3; i++ {
		task := NewTask(sessionID, "goal")
		task.Attempts = i
		if err := queue.Enqueue(task); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Errorf("expected order[%d] = %d, got %d", i, i, v)
		}
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	// Enqueue without setting a processor -- should not panic
	if err := queue.Enqueue(NewTask("no-proc", "goal")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
}

func TestDispatcherSubmit(t *testing.T) {
	d := New(1)
	d.Start(context.Background())
	defer d.Stop()

	results := make(chan string, 1)
	d.Queue.SetProcessor(func(task *Task) error {
		if task.OnComplete != nil {
			task.OnComplete("done: " + task.Goal)
		}
		return nil
	})

	task, err := d.Submit("sess-1", "open settings", WithOnComplete(func(result string) {
		results <- result
	}))
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskQueued || task.Goal != "open settings" {
		t.Errorf("unexpected task: %+v", task)
	}

	select {
	case result := <-results:
		if result != "done: open settings" {
			t.Errorf("unexpected result: %s", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion callback")
	}
}
