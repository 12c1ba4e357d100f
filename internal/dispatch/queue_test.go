package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestJobsRunInPostOrder(t *testing.T) {
	q := New(4)
	q.Start()
	defer q.Stop()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if !q.Post(Job{Name: "append", Fn: func() { got = append(got, i) }}) {
			t.Fatalf("post %d rejected", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
	if len(got) != 50 {
		t.Fatalf("ran %d jobs, want 50", len(got))
	}
}

func TestConcurrentPostersAreSerialized(t *testing.T) {
	q := New(16)
	q.Start()
	defer q.Stop()

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Post(Job{Name: "inc", Fn: func() { counter++ }})
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if counter != 800 {
		t.Fatalf("counter = %d, want 800", counter)
	}
}

func TestPanickingJobDoesNotStopLoop(t *testing.T) {
	q := New(4)
	q.Start()
	defer q.Stop()

	ran := false
	q.Post(Job{Name: "boom", Fn: func() { panic("bad message") }})
	q.Post(Job{Name: "after", Fn: func() { ran = true }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !ran {
		t.Fatal("job after panic did not run")
	}
}

func TestPostAfterStop(t *testing.T) {
	q := New(1)
	q.Start()
	q.Stop()
	q.Stop()

	if q.Post(Job{Name: "late", Fn: func() {}}) {
		t.Fatal("Post after Stop should be rejected")
	}
	if err := q.Flush(context.Background()); err == nil {
		t.Fatal("Flush after Stop should fail")
	}
}
