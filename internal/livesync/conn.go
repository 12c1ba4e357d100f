package livesync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/bus"
	"github.com/gamenest/buildsync/internal/dispatch"
	"github.com/gamenest/buildsync/internal/subscriptions"
)

var ErrClosed = errors.New("livesync: connection closed")

// Session is a live bus connection as the connection manager sees it.
type Session interface {
	subscriptions.Subscriber
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens bus sessions.
type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

type DialFunc func(ctx context.Context, token string) (Session, error)

func (f DialFunc) Dial(ctx context.Context, token string) (Session, error) {
	return f(ctx, token)
}

// BusDialer dials the real STOMP endpoint.
type BusDialer struct {
	Options bus.Options
}

func (d BusDialer) Dial(ctx context.Context, token string) (Session, error) {
	opts := d.Options
	opts.Token = token
	s, err := bus.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateWaiting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaiting:
		return "waiting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff controls reconnect timing. Delay doubles after every failed attempt
// up to MaxDelay; MaxDelay equal to Delay retries at a fixed interval.
type Backoff struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // consecutive failed dials before giving up, 0 for never
}

func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

func DefaultBackoff() Backoff {
	return Backoff{Delay: 5 * time.Second, MaxDelay: 60 * time.Second}
}

// Conn keeps one game's live subscriptions up across reconnects. Open starts
// it, Close tears it down.
type Conn struct {
	gameID   int64
	token    string
	dialer   Dialer
	backoff  Backoff
	queue    *dispatch.Queue
	registry *subscriptions.Registry
	router   *Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	session   Session
	state     State
	connects  int
	closeOnce sync.Once
	closeErr  error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// Options bundles what Open needs beyond the game and the token.
type Options struct {
	Dialer  Dialer
	Backoff Backoff
	Store   *builds.Store
	Queue   *dispatch.Queue
	Notify  func(Change)
}

// Open starts connecting to the bus for gameID in the background and returns
// at once. The token is read once here and reused for every reconnect.
func Open(ctx context.Context, gameID int64, token string, opts Options) *Conn {
	if opts.Backoff.Delay <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	registry := subscriptions.New()
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		gameID:   gameID,
		token:    token,
		dialer:   opts.Dialer,
		backoff:  opts.Backoff,
		queue:    opts.Queue,
		registry: registry,
		router:   NewRouter(gameID, opts.Store, registry, opts.Queue, opts.Notify),
		ctx:      cctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run()
	log.Printf("livesync: game %d: opening (retry=%s max=%s)", gameID, c.backoff.Delay, c.backoff.MaxDelay)
	return c
}

func (c *Conn) GameID() int64 {
	return c.gameID
}

func (c *Conn) Router() *Router {
	return c.router
}

func (c *Conn) Registry() *subscriptions.Registry {
	return c.registry
}

// Ready is closed after the first successful bootstrap.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the connection stops trying: after Close, or when
// MaxAttempts dials in a row have failed (State reports StateFailed).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connects counts successful dials, including the first one.
func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Conn) run() {
	defer c.wg.Done()
	defer close(c.done)

	delay := c.backoff.Delay
	failures := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		sess, err := c.dialer.Dial(c.ctx, c.token)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			log.Printf("livesync: game %d: connect attempt %d failed: %v", c.gameID, failures, err)
			if c.backoff.MaxAttempts > 0 && failures >= c.backoff.MaxAttempts {
				log.Printf("livesync: game %d: giving up after %d attempts", c.gameID, failures)
				c.setState(StateFailed)
				return
			}
			if !c.wait(delay) {
				return
			}
			delay = c.backoff.next(delay)
			continue
		}

		failures = 0
		delay = c.backoff.Delay
		if !c.attach(sess) {
			return
		}

		select {
		case <-sess.Done():
			log.Printf("livesync: game %d: connection lost: %v, reconnecting in %s", c.gameID, sess.Err(), delay)
			c.detach(sess)
			if !c.wait(delay) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) wait(d time.Duration) bool {
	c.setState(StateWaiting)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// attach binds a fresh session and schedules the bootstrap on the queue.
func (c *Conn) attach(sess Session) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		sess.Close()
		return false
	}
	c.session = sess
	c.state = StateConnected
	c.connects++
	c.mu.Unlock()

	if err := c.registry.Bind(sess); err != nil {
		sess.Close()
		return false
	}
	log.Printf("livesync: game %d: connected", c.gameID)

	return c.queue.Post(dispatch.Job{Name: "bootstrap", Fn: func() {
		c.router.Bootstrap()
		c.readyOnce.Do(func() { close(c.ready) })
	}})
}

// detach forgets every handle of a dead session. Handles cannot outlive the
// session they were created on.
func (c *Conn) detach(sess Session) {
	if err := c.registry.Unbind(); err != nil {
		log.Printf("livesync: game %d: release subscriptions: %v", c.gameID, err)
	}
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	sess.Close()
}

// Close stops reconnecting, cancels every subscription, then closes the
// session. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()

		err := c.registry.Close()

		c.mu.Lock()
		sess := c.session
		c.session = nil
		c.state = StateClosed
		c.mu.Unlock()

		if sess != nil {
			if cerr := sess.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		c.closeErr = err
		log.Printf("livesync: game %d: closed", c.gameID)
	})
	return c.closeErr
}
