// Package dispatch runs posted jobs one at a time, in post order, on a single
// goroutine. Everything that mutates live build state goes through it.
package dispatch

import (
	"context"
	"log"
	"sync"
)

type Job struct {
	Name string
	Fn   func()
}

type Queue struct {
	ch       chan Job
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(bufSize int) *Queue {
	return &Queue{
		ch:   make(chan Job, bufSize),
		done: make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case job := <-q.ch:
				q.run(job)
			case <-q.done:
				return
			}
		}
	}()
}

// run isolates a failing job so one bad message cannot stop the loop.
func (q *Queue) run(job Job) {
	defer func() {
		if err := recover(); err != nil {
			log.Printf("dispatch: job %s panicked: %v", job.Name, err)
		}
	}()
	job.Fn()
}

// Post enqueues a job, blocking while the buffer is full. It returns false
// once the queue has been stopped.
func (q *Queue) Post(job Job) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- job:
		return true
	case <-q.done:
		return false
	}
}

// Flush waits until every job posted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !q.Post(Job{Name: "flush", Fn: func() { close(reached) }}) {
		return context.Canceled
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop. Jobs still buffered are discarded. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}
