package livesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gamenest/buildsync/internal/api"
	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/dispatch"
	"github.com/gamenest/buildsync/internal/logstream"
)

// BuildSource is the REST side: the initial table and the latest good build.
type BuildSource interface {
	Builds(ctx context.Context, gameID int64) ([]builds.Build, error)
	LatestSuccess(ctx context.Context, gameID int64) (*builds.Build, error)
}

// Synchronizer is one "viewing builds" session. It owns the store, the
// dispatch queue and the change feed; the bus connection is replaced whenever
// the viewed game changes.
type Synchronizer struct {
	source  BuildSource
	dialer  Dialer
	backoff Backoff

	store *builds.Store
	queue *dispatch.Queue
	hub   *logstream.Hub[Change]

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

type Config struct {
	Source    BuildSource
	Dialer    Dialer
	Backoff   Backoff
	StatePath string
	// FeedBuffer sizes each change feed subscriber's channel.
	FeedBuffer int
}

func New(cfg Config) *Synchronizer {
	q := dispatch.New(256)
	q.Start()
	return &Synchronizer{
		source:  cfg.Source,
		dialer:  cfg.Dialer,
		backoff: cfg.Backoff,
		store:   builds.NewStore(cfg.StatePath),
		queue:   q,
		hub:     logstream.NewHub[Change](cfg.FeedBuffer),
	}
}

func (s *Synchronizer) Store() *builds.Store {
	return s.store
}

func (s *Synchronizer) Queue() *dispatch.Queue {
	return s.queue
}

// Changes returns a feed of store changes for gameID and a cancel function.
func (s *Synchronizer) Changes(gameID int64) (<-chan Change, func()) {
	return s.hub.Subscribe(gameID)
}

// Follow returns the current table together with a feed of every change after
// it. Both are taken on the dispatch queue, so no change is missed or seen twice.
func (s *Synchronizer) Follow(ctx context.Context, gameID int64) ([]builds.Build, <-chan Change, func(), error) {
	var (
		list  []builds.Build
		feed  <-chan Change
		unsub func()
	)
	taken := make(chan struct{})
	if !s.queue.Post(dispatch.Job{Name: "follow", Fn: func() {
		list = s.store.List()
		feed, unsub = s.hub.Subscribe(gameID)
		close(taken)
	}}) {
		return nil, nil, nil, ErrClosed
	}
	select {
	case <-taken:
		return list, feed, unsub, nil
	case <-ctx.Done():
		// A feed subscribed by the job after this point is closed with the rest on Close.
		return nil, nil, nil, ctx.Err()
	}
}

// DroppedChanges counts changes lost to change feed subscribers that fell behind.
func (s *Synchronizer) DroppedChanges() int64 {
	return s.hub.Dropped()
}

// Conn returns the current bus connection, or nil.
func (s *Synchronizer) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Watch loads gameID's builds over REST and opens the live connection. It
// fails only when the build list cannot be fetched.
func (s *Synchronizer) Watch(ctx context.Context, gameID int64, token string) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn != nil {
		return nil, fmt.Errorf("livesync: already watching game %d", s.conn.GameID())
	}
	return s.openLocked(ctx, gameID, token)
}

// SwitchGame tears down the current connection and watches gameID instead.
func (s *Synchronizer) SwitchGame(ctx context.Context, gameID int64, token string) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn != nil {
		old := s.conn
		s.conn = nil
		if err := old.Close(); err != nil {
			log.Printf("livesync: game %d: close: %v", old.GameID(), err)
		}
		s.hub.Close(old.GameID())
	}
	return s.openLocked(ctx, gameID, token)
}

func (s *Synchronizer) openLocked(ctx context.Context, gameID int64, token string) (*Conn, error) {
	list, err := s.source.Builds(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("fetch builds for game %d: %w", gameID, err)
	}

	latest, err := s.source.LatestSuccess(ctx, gameID)
	switch {
	case errors.Is(err, api.ErrNotFound):
		latest = nil
	case err != nil:
		log.Printf("livesync: game %d: latest successful build unavailable: %v", gameID, err)
		latest = nil
	}

	// Load on the queue so nothing left over from a previous game interleaves.
	loaded := make(chan struct{})
	if !s.queue.Post(dispatch.Job{Name: "load", Fn: func() {
		s.store.Replace(list)
		s.store.SetLatestSuccess(latest)
		close(loaded)
	}}) {
		return nil, ErrClosed
	}
	select {
	case <-loaded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	log.Printf("livesync: game %d: loaded %d builds", gameID, len(list))

	s.conn = Open(ctx, gameID, token, Options{
		Dialer:  s.dialer,
		Backoff: s.backoff,
		Store:   s.store,
		Queue:   s.queue,
		Notify:  func(c Change) { s.hub.Publish(c.GameID, c) },
	})
	return s.conn, nil
}

// Close ends the session: connection, change feeds, dispatcher, then a final
// snapshot of the store.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		s.hub.Close(conn.GameID())
	}
	s.queue.Stop()
	s.store.Flush()
	return err
}
