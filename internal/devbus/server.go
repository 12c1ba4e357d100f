// Package devbus is a stand-in for the GameNest backend: a STOMP broker on
// /ws/websocket, the two build read endpoints, and a way to simulate builds.
package devbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gamenest/buildsync/internal/builds"
)

type Options struct {
	Listen    string
	Secret    []byte
	HeartBeat time.Duration
}

type Server struct {
	opts      Options
	httpSrv   *http.Server
	ln        net.Listener
	broker    *Broker
	startTime time.Time

	mu     sync.Mutex
	games  map[int64]*builds.Store
	nextID int64

	sims sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.HeartBeat <= 0 {
		opts.HeartBeat = 4 * time.Second
	}
	return &Server{
		opts:   opts,
		games:  make(map[int64]*builds.Store),
		nextID: 1,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated
	mux.HandleFunc("GET /health", s.handleHealth)

	// Authenticated routes
	authed := http.NewServeMux()
	authed.HandleFunc("GET /ws/websocket", s.broker.handleWebSocket)
	authed.HandleFunc("GET /api/v1/builds/game/{game_id}", s.handleListBuilds)
	authed.HandleFunc("GET /api/v1/builds/game/{game_id}/latest-success", s.handleLatestSuccess)
	authed.HandleFunc("POST /api/v1/dev/games/{game_id}/builds", s.handleSimulate)

	mux.Handle("/ws/", s.authMiddleware(authed))
	mux.Handle("/api/", s.authMiddleware(authed))

	var handler http.Handler = mux
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)

	return handler
}

// Start listens and serves in the background. Addr reports the bound address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("devbus: listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln
	s.startTime = time.Now()

	s.broker = newBroker(ln.Addr(), s.opts.HeartBeat)
	if err := s.broker.start(); err != nil {
		ln.Close()
		return err
	}

	s.httpSrv = &http.Server{
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("devbus: serve: %v", err)
		}
	}()

	log.Printf("devbus listening on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Broker() *Broker {
	return s.broker
}

// Shutdown stops accepting requests, waits for running simulations, then
// closes the broker and with it every STOMP session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sims.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("devbus: shutdown with simulations still running")
	}

	s.broker.close()
	return err
}

func (s *Server) game(gameID int64) *builds.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.games[gameID]
	if !ok {
		st = builds.NewStore("")
		s.games[gameID] = st
	}
	return st
}

func (s *Server) allocateID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// Seed loads builds for a game, as if they had run before the broker started.
func (s *Server) Seed(gameID int64, list []builds.Build) {
	st := s.game(gameID)
	for _, b := range list {
		st.Upsert(b)
		s.mu.Lock()
		if b.ID >= s.nextID {
			s.nextID = b.ID + 1
		}
		s.mu.Unlock()
	}
}

// newestFirst matches the backend's ordering by creation time, descending.
func newestFirst(list []builds.Build) []builds.Build {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt.Time) {
			return list[i].CreatedAt.After(list[j].CreatedAt.Time)
		}
		return list[i].ID > list[j].ID
	})
	return list
}
