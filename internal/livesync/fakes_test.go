package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/dispatch"
	"github.com/gamenest/buildsync/internal/events"
	"github.com/gamenest/buildsync/internal/subscriptions"
)

var errDropped = errors.New("connection reset")

type fakeSession struct {
	mu       sync.Mutex
	live     map[string]func([]byte)
	seen     map[string]func([]byte) // last callback per topic, kept after unsubscribe
	order    []string
	calls    map[string]int
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		live:  make(map[string]func([]byte)),
		seen:  make(map[string]func([]byte)),
		calls: make(map[string]int),
		done:  make(chan struct{}),
	}
}

type fakeHandle struct {
	s     *fakeSession
	topic string
}

func (h fakeHandle) Unsubscribe() error {
	h.s.mu.Lock()
	delete(h.s.live, h.topic)
	h.s.mu.Unlock()
	return nil
}

func (s *fakeSession) Subscribe(topic string, onMessage func([]byte)) (subscriptions.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	s.calls[topic]++
	s.order = append(s.order, topic)
	s.live[topic] = onMessage
	s.seen[topic] = onMessage
	return fakeHandle{s: s, topic: topic}, nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.drop(ErrClosed)
	return nil
}

// drop simulates the broker or the network ending the session.
func (s *fakeSession) drop(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// deliver hands body to the live subscriber of topic, if any.
func (s *fakeSession) deliver(topic string, body string) bool {
	s.mu.Lock()
	fn := s.live[topic]
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn([]byte(body))
	return true
}

func (s *fakeSession) isLive(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[topic]
	return ok
}

func (s *fakeSession) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *fakeSession) subscribeCalls(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[topic]
}

func (s *fakeSession) subscribeOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *fakeSession) callback(topic string) func([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[topic]
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out sessions in order; once they run out it fails.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
	tokens   []string
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if len(d.sessions) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func fastBackoff() Backoff {
	return Backoff{Delay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func newQueue(t *testing.T) *dispatch.Queue {
	t.Helper()
	q := dispatch.New(64)
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func flush(t *testing.T, q *dispatch.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitReady(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("connection never became ready")
	}
}

func statusBody(gameID, buildID int64, status builds.Status) string {
	return fmt.Sprintf(`{"build":{"id":%d,"buildStatus":%q},"buildId":%d,"gameId":%d,"status":%q}`,
		buildID, status, buildID, gameID, status)
}

func logBody(gameID, buildID int64, line string) string {
	return fmt.Sprintf(`{"buildId":%d,"gameId":%d,"line":%q}`, buildID, gameID, line)
}

func statusTopic(gameID int64) string { return events.StatusTopic(gameID).String() }

func logTopic(buildID int64) string { return events.LogTopic(buildID).String() }

func mustTopic(t *testing.T, dest string) events.Topic {
	t.Helper()
	topic, err := events.ParseTopic(dest)
	if err != nil {
		t.Fatal(err)
	}
	return topic
}
