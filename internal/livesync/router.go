package livesync

import (
	"errors"
	"log"
	"sync/atomic"

	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/dispatch"
	"github.com/gamenest/buildsync/internal/events"
	"github.com/gamenest/buildsync/internal/subscriptions"
)

type ChangeKind int

const (
	BuildUpdated ChangeKind = iota + 1
	LogAppended
)

// Change is what the router reports after mutating the store.
type Change struct {
	Kind    ChangeKind
	GameID  int64
	Build   builds.Build // stored state after the change
	Created bool         // BuildUpdated only
	Line    string       // LogAppended only
}

// Stats counts what the router has seen. Safe to read from any goroutine.
type Stats struct {
	StatusEvents  atomic.Int64
	LogLines      atomic.Int64
	DecodeErrors  atomic.Int64
	DroppedLines  atomic.Int64
	CrossTalk     atomic.Int64
	SubscribeErrs atomic.Int64
	AfterClose    atomic.Int64
}

// Router turns bus messages for one game into store mutations and log-topic
// subscription changes. All handle* methods run on the dispatch queue.
type Router struct {
	gameID   int64
	store    *builds.Store
	registry *subscriptions.Registry
	queue    *dispatch.Queue
	notify   func(Change)
	stats    Stats
}

func NewRouter(gameID int64, store *builds.Store, registry *subscriptions.Registry, queue *dispatch.Queue, notify func(Change)) *Router {
	if notify == nil {
		notify = func(Change) {}
	}
	return &Router{
		gameID:   gameID,
		store:    store,
		registry: registry,
		queue:    queue,
		notify:   notify,
	}
}

func (r *Router) Stats() *Stats {
	return &r.stats
}

// deliver returns the bus callback for topic. It only hands the body to the
// dispatch queue; decoding happens on the queue.
func (r *Router) deliver(topic events.Topic) func(body []byte) {
	name := topic.String()
	return func(body []byte) {
		if !r.queue.Post(dispatch.Job{Name: name, Fn: func() { r.HandleMessage(topic, body) }}) {
			log.Printf("livesync: game %d: dropped message on %s, dispatcher stopped", r.gameID, name)
		}
	}
}

// Bootstrap runs after every (re)connect: follow the logs of builds that are
// already running, then start listening for status changes.
func (r *Router) Bootstrap() {
	for _, b := range r.store.Running() {
		r.followLogs(b.ID)
	}
	topic := events.StatusTopic(r.gameID)
	if _, err := r.registry.EnsureSubscribed(topic.String(), r.deliver(topic)); err != nil {
		r.subscribeFailed(topic, err)
	}
}

// HandleMessage decodes one message and applies it. A message that fails to
// decode or to apply is logged and dropped, and so is anything that reaches
// the queue after the connection was closed: the store may already hold
// another game's builds by then.
func (r *Router) HandleMessage(topic events.Topic, body []byte) {
	if r.registry.Closed() {
		r.stats.AfterClose.Add(1)
		return
	}
	defer func() {
		if err := recover(); err != nil {
			log.Printf("livesync: game %d: handler for %s panicked: %v", r.gameID, topic, err)
		}
	}()

	ev, err := events.Decode(topic, body)
	if err != nil {
		r.stats.DecodeErrors.Add(1)
		log.Printf("livesync: game %d: dropping message: %v", r.gameID, err)
		return
	}

	switch e := ev.(type) {
	case events.StatusEvent:
		r.applyStatus(e)
	case events.LogEvent:
		r.applyLog(topic, e)
	default:
		log.Printf("livesync: game %d: unhandled event %T on %s", r.gameID, ev, topic)
	}
}

func (r *Router) applyStatus(e events.StatusEvent) {
	r.stats.StatusEvents.Add(1)
	if e.GameID != 0 && e.GameID != r.gameID {
		r.stats.CrossTalk.Add(1)
		log.Printf("livesync: game %d: ignoring status for game %d (build %d)", r.gameID, e.GameID, e.BuildID)
		return
	}

	snap := e.Snapshot()
	stored, created := r.store.Upsert(snap)
	r.notify(Change{Kind: BuildUpdated, GameID: r.gameID, Build: stored, Created: created})

	switch {
	case snap.Status == builds.StatusRunning:
		r.followLogs(snap.ID)
	case snap.Status.Terminal():
		r.unfollowLogs(snap.ID)
	}
}

func (r *Router) applyLog(topic events.Topic, e events.LogEvent) {
	if e.BuildID != topic.ID {
		r.stats.CrossTalk.Add(1)
		log.Printf("livesync: game %d: log line for build %d arrived on %s, dropped", r.gameID, e.BuildID, topic)
		return
	}
	if !r.store.AppendLog(e.BuildID, e.Line) {
		r.stats.DroppedLines.Add(1)
		return
	}
	r.stats.LogLines.Add(1)
	stored, _ := r.store.Get(e.BuildID)
	r.notify(Change{Kind: LogAppended, GameID: r.gameID, Build: stored, Line: e.Line})
}

func (r *Router) followLogs(buildID int64) {
	topic := events.LogTopic(buildID)
	created, err := r.registry.EnsureSubscribed(topic.String(), r.deliver(topic))
	if err != nil {
		r.subscribeFailed(topic, err)
		return
	}
	if created {
		log.Printf("livesync: game %d: following logs of build %d", r.gameID, buildID)
	}
}

func (r *Router) unfollowLogs(buildID int64) {
	topic := events.LogTopic(buildID)
	if !r.registry.Has(topic.String()) {
		return
	}
	if err := r.registry.Unsubscribe(topic.String()); err != nil {
		log.Printf("livesync: game %d: %v", r.gameID, err)
		return
	}
	log.Printf("livesync: game %d: build %d finished, stopped following logs", r.gameID, buildID)
}

func (r *Router) subscribeFailed(topic events.Topic, err error) {
	// Closed or between sessions: the next bootstrap takes care of it.
	if errors.Is(err, subscriptions.ErrClosed) || errors.Is(err, subscriptions.ErrUnbound) {
		return
	}
	r.stats.SubscribeErrs.Add(1)
	log.Printf("livesync: game %d: subscribe %s: %v", r.gameID, topic, err)
}
