package devbus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/events"
	"github.com/gamenest/buildsync/internal/logstream"
)

// SimulateRequest describes a fake build. Log lines come from Lines, or from
// LogFile tailed until it stops growing.
type SimulateRequest struct {
	Lines       []string      `json:"lines,omitempty"`
	LogFile     string        `json:"logFile,omitempty"`
	Result      builds.Status `json:"result,omitempty"`
	Path        string        `json:"path,omitempty"`
	Interval    string        `json:"interval,omitempty"`
	StartDelay  string        `json:"startDelay,omitempty"`
	IdleTimeout string        `json:"idleTimeout,omitempty"`

	interval    time.Duration
	startDelay  time.Duration
	idleTimeout time.Duration
}

var defaultLines = []string{
	"Cloning repository",
	"Starting Godot build export...",
	"Export preset copied",
	"Build export finished",
}

func (r *SimulateRequest) normalize() error {
	if r.Result == "" {
		r.Result = builds.StatusSuccess
	}
	if !r.Result.Terminal() {
		return fmt.Errorf("result must be SUCCESS or FAIL, got %q", r.Result)
	}
	if len(r.Lines) == 0 && r.LogFile == "" {
		r.Lines = defaultLines
	}

	var err error
	if r.interval, err = parseDuration(r.Interval, 200*time.Millisecond); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	// Subscribers follow a build's logs only after they see it RUNNING, so the
	// first line waits a little.
	if r.startDelay, err = parseDuration(r.StartDelay, 500*time.Millisecond); err != nil {
		return fmt.Errorf("startDelay: %w", err)
	}
	if r.idleTimeout, err = parseDuration(r.IdleTimeout, 2*time.Second); err != nil {
		return fmt.Errorf("idleTimeout: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// startSimulation records a RUNNING build and plays the rest in the background.
func (s *Server) startSimulation(gameID int64, req SimulateRequest) builds.Build {
	now := builds.NewTimestamp(time.Now().UTC())
	b := builds.Build{
		ID:        s.allocateID(),
		Status:    builds.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.game(gameID).Upsert(b)

	s.sims.Add(1)
	go func() {
		defer s.sims.Done()
		s.simulate(s.broker.ctx, gameID, b.ID, req)
	}()
	return b
}

func (s *Server) simulate(ctx context.Context, gameID, buildID int64, req SimulateRequest) {
	st := s.game(gameID)
	log.Printf("devbus: game %d: build %d started", gameID, buildID)

	// The backend announces a new build with ids and status only.
	s.publish(events.StatusTopic(gameID), events.StatusEvent{
		BuildID: buildID,
		GameID:  gameID,
		Status:  builds.StatusRunning,
	})

	if !sleep(ctx, req.startDelay) {
		return
	}

	emit := func(line string) {
		st.AppendLog(buildID, line)
		s.publish(events.LogTopic(buildID), events.LogEvent{BuildID: buildID, GameID: gameID, Line: line})
	}

	if req.LogFile != "" {
		poll := req.interval
		if poll <= 0 {
			poll = 100 * time.Millisecond
		}
		tailer := logstream.NewTailer(req.LogFile, -1).
			WithInterval(poll).
			StopWhenIdle(req.idleTimeout)
		for line := range tailer.Start(ctx) {
			emit(line)
		}
	} else {
		for i, line := range req.Lines {
			if i > 0 && !sleep(ctx, req.interval) {
				return
			}
			emit(line)
		}
	}
	if ctx.Err() != nil {
		return
	}

	final := builds.Build{
		ID:        buildID,
		Status:    req.Result,
		UpdatedAt: builds.NewTimestamp(time.Now().UTC()),
		Path:      req.Path,
	}
	if final.Path == "" && req.Result == builds.StatusSuccess {
		final.Path = fmt.Sprintf("builds/%d/build-%d.zip", gameID, buildID)
	}
	stored, _ := st.Upsert(final)

	s.publish(events.StatusTopic(gameID), events.StatusEvent{
		Build:   &stored,
		BuildID: buildID,
		GameID:  gameID,
		Status:  req.Result,
	})
	log.Printf("devbus: game %d: build %d finished: %s", gameID, buildID, req.Result)
}

func (s *Server) publish(topic events.Topic, ev events.Event) {
	if err := s.broker.Publish(topic, ev); err != nil {
		log.Printf("devbus: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
