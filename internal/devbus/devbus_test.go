package devbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gamenest/buildsync/internal/api"
	"github.com/gamenest/buildsync/internal/auth"
	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/bus"
	"github.com/gamenest/buildsync/internal/events"
	"github.com/gamenest/buildsync/internal/livesync"
)

var testSecret = []byte("devbus-test-secret")

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := New(Options{Listen: "127.0.0.1:0", Secret: testSecret})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	tok, err := auth.Mint(testSecret, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return srv, tok
}

func simulate(t *testing.T, srv *Server, token string, gameID int64, req SimulateRequest) builds.Build {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost,
		"http://"+srv.Addr()+"/api/v1/dev/games/"+strconv.FormatInt(gameID, 10)+"/builds", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("POST simulate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("simulate status = %d", resp.StatusCode)
	}
	var b builds.Build
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRESTRequiresToken(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/builds/game/1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	forged, _ := auth.Mint([]byte("other-secret"), "mallory", time.Hour)
	client := api.NewClient("http://"+srv.Addr()+"/api/v1", time.Second).WithToken(forged)
	if _, err := client.Builds(context.Background(), 1); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("forged token err = %v", err)
	}

	health, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", health.StatusCode)
	}
}

func TestRESTListsSeededBuildsNewestFirst(t *testing.T) {
	srv, tok := startServer(t)
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.Seed(3, []builds.Build{
		{ID: 1, Status: builds.StatusSuccess, CreatedAt: builds.NewTimestamp(t0)},
		{ID: 2, Status: builds.StatusFail, CreatedAt: builds.NewTimestamp(t0.Add(time.Hour))},
	})
	client := api.NewClient("http://"+srv.Addr()+"/api/v1", time.Second).WithToken(tok)

	list, err := client.Builds(context.Background(), 3)
	if err != nil {
		t.Fatalf("Builds: %v", err)
	}
	if len(list) != 2 || list[0].ID != 2 || list[1].ID != 1 {
		t.Fatalf("list = %+v", list)
	}

	latest, err := client.LatestSuccess(context.Background(), 3)
	if err != nil || latest.ID != 1 {
		t.Fatalf("LatestSuccess = %+v, %v", latest, err)
	}
	if _, err := client.LatestSuccess(context.Background(), 4); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("empty game err = %v", err)
	}
}

func TestBusRoundTrip(t *testing.T) {
	srv, tok := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := bus.Dial(ctx, bus.Options{
		Endpoint:          "ws://" + srv.Addr() + "/ws/websocket",
		Token:             tok,
		HeartbeatOutgoing: time.Second,
		HeartbeatIncoming: time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	got := make(chan []byte, 1)
	h, err := sess.Subscribe("/topic/builds/5/status", func(body []byte) { got <- body })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := sess.Publish("/topic/builds/5/status", []byte(`{"buildId":1,"gameId":5,"status":"PENDING"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case body := <-got:
		if !strings.Contains(string(body), `"PENDING"`) {
			t.Fatalf("body = %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	if err := h.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := h.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}
}

func TestBusRejectsBadToken(t *testing.T) {
	srv, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := bus.Dial(ctx, bus.Options{Endpoint: "ws://" + srv.Addr() + "/ws/websocket", Token: "nope"})
	if err == nil {
		t.Fatal("Dial with a bad token should fail")
	}
}

func TestSimulatedBuildEndToEnd(t *testing.T) {
	srv, tok := startServer(t)
	const gameID = 11
	srv.Seed(gameID, []builds.Build{{ID: 100, Status: builds.StatusSuccess}})

	sync := livesync.New(livesync.Config{
		Source: api.NewClient("http://"+srv.Addr()+"/api/v1", time.Second).WithToken(tok),
		Dialer: livesync.BusDialer{Options: bus.Options{
			Endpoint:          "ws://" + srv.Addr() + "/ws/websocket",
			HeartbeatOutgoing: time.Second,
			HeartbeatIncoming: time.Second,
		}},
		Backoff: livesync.Backoff{Delay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	defer sync.Close()

	conn, err := sync.Watch(context.Background(), gameID, tok)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	select {
	case <-conn.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	// Let the broker register the status subscription.
	time.Sleep(200 * time.Millisecond)

	started := simulate(t, srv, tok, gameID, SimulateRequest{
		Lines:      []string{"clone", "export", "zip"},
		Interval:   "10ms",
		StartDelay: "300ms",
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := sync.Store().Get(started.ID); ok && b.Status == builds.StatusSuccess {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	b, ok := sync.Store().Get(started.ID)
	if !ok || b.Status != builds.StatusSuccess {
		t.Fatalf("build = %+v, %v", b, ok)
	}
	if b.Logs != "clone\nexport\nzip" {
		t.Fatalf("logs = %q", b.Logs)
	}
	if b.Path == "" {
		t.Error("successful build should carry an artifact path")
	}
	waitUntil(t, func() bool { return !conn.Registry().Has(events.LogTopic(started.ID).String()) })
	if latest, ok := sync.Store().LatestSuccess(); !ok || latest.ID != started.ID {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestSimulateFromLogFile(t *testing.T) {
	srv, tok := startServer(t)
	path := filepath.Join(t.TempDir(), "build.log")
	if err := os.WriteFile(path, []byte("line one\nline two\n"), 0644); err != nil {
		t.Fatal(err)
	}

	started := simulate(t, srv, tok, 2, SimulateRequest{
		LogFile:     path,
		Result:      builds.StatusFail,
		Interval:    "10ms",
		StartDelay:  "0s",
		IdleTimeout: "50ms",
	})

	waitUntil(t, func() bool {
		b, _ := srv.game(2).Get(started.ID)
		return b.Status == builds.StatusFail
	})
	b, _ := srv.game(2).Get(started.ID)
	if b.Logs != "line one\nline two" || b.Path != "" {
		t.Fatalf("build = %+v", b)
	}
}

func TestSimulateRejectsBadRequest(t *testing.T) {
	srv, tok := startServer(t)
	req, _ := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/api/v1/dev/games/1/builds",
		strings.NewReader(`{"result":"RUNNING"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
