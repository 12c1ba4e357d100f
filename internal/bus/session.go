// Package bus speaks STOMP over a WebSocket to the build service's message
// broker.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/gamenest/buildsync/internal/subscriptions"
)

var ErrClosed = errors.New("bus: session closed")

type Options struct {
	Endpoint          string
	Token             string
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	ConnectTimeout    time.Duration
	// CloseTimeout bounds the wait for the broker's DISCONNECT receipt.
	CloseTimeout time.Duration
	ReadLimit    int64
}

// Session is one STOMP connection. It ends on Close, on a transport error,
// or when the broker sends an ERROR frame; Done is closed in every case.
type Session struct {
	ID string

	ws           *websocket.Conn
	conn         *stomp.Conn
	cancel       context.CancelFunc
	closeTimeout time.Duration

	done     chan struct{}
	failOnce sync.Once
	err      error
}

// Dial opens the WebSocket, performs the STOMP handshake with a Bearer
// credential, and returns the live session.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 2 * time.Second
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer dialCancel()

	ws, _, err := websocket.Dial(dialCtx, opts.Endpoint, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", opts.Endpoint, err)
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	nc := websocket.NetConn(sessCtx, ws, websocket.MessageText)

	// The STOMP handshake has no context of its own; bound it with a deadline.
	nc.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	conn, err := stomp.Connect(nc, connectOptions(opts)...)
	if err != nil {
		cancel()
		ws.Close(websocket.StatusProtocolError, "stomp connect failed")
		return nil, fmt.Errorf("bus: stomp connect: %w", err)
	}
	nc.SetDeadline(time.Time{})

	s := &Session{
		ID:           uuid.NewString(),
		ws:           ws,
		conn:         conn,
		cancel:       cancel,
		closeTimeout: opts.CloseTimeout,
		done:         make(chan struct{}),
	}
	log.Printf("bus: session %s connected to %s (server=%q, version=%s)", s.ID, opts.Endpoint, conn.Server(), conn.Version())
	return s, nil
}

func connectOptions(opts Options) []func(*stomp.Conn) error {
	connOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(opts.HeartbeatOutgoing, opts.HeartbeatIncoming),
		stomp.ConnOpt.DisconnectReceiptTimeout(opts.CloseTimeout),
	}
	if u, err := url.Parse(opts.Endpoint); err == nil && u.Hostname() != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Host(u.Hostname()))
	}
	if opts.Token != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Header("Authorization", "Bearer "+opts.Token))
	}
	return connOpts
}

// Done is closed when the session has ended for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended, or nil while it is alive.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Subscribe starts delivering bodies published on topic to onMessage. The
// callback runs on a goroutine owned by the subscription, in arrival order.
func (s *Session) Subscribe(topic string, onMessage func(body []byte)) (subscriptions.Handle, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	sub, err := s.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	h := &subscription{session: s, sub: sub}
	go s.pump(h, onMessage)
	return h, nil
}

func (s *Session) pump(h *subscription, onMessage func([]byte)) {
	for msg := range h.sub.C {
		if msg.Err != nil {
			s.fail(msg.Err)
			return
		}
		if h.stopped.Load() {
			continue
		}
		onMessage(msg.Body)
	}
}

// Publish sends a JSON body to a destination. Used by the dev broker and tests;
// the watcher itself never publishes.
func (s *Session) Publish(topic string, body []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := s.conn.Send(topic, "application/json", body); err != nil {
		return fmt.Errorf("bus: send %s: %w", topic, err)
	}
	return nil
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		var stompErr stomp.Error
		if errors.As(err, &stompErr) {
			log.Printf("bus: session %s: broker error: %s", s.ID, stompErr.Message)
		} else {
			log.Printf("bus: session %s: transport error: %v", s.ID, err)
		}
		s.err = err
		close(s.done)
		s.conn.MustDisconnect()
		s.ws.Close(websocket.StatusGoingAway, "session failed")
		s.cancel()
	})
}

// Close ends the session politely: DISCONNECT with a bounded wait, then the
// WebSocket close handshake. A broker that never sends the receipt gets the
// socket torn down instead. Safe to call repeatedly and after a failure.
func (s *Session) Close() error {
	closed := false
	s.failOnce.Do(func() {
		closed = true
		s.err = ErrClosed
		close(s.done)

		finished := make(chan error, 1)
		go func() { finished <- s.conn.Disconnect() }()
		select {
		case err := <-finished:
			if err != nil {
				log.Printf("bus: session %s: disconnect: %v", s.ID, err)
			}
			s.ws.Close(websocket.StatusNormalClosure, "bye")
			s.cancel()
		case <-time.After(s.closeTimeout):
			// Disconnect holds the stomp connection's close lock until its own
			// timeout, so only the transport can be closed from here. That
			// unblocks its pending write and read.
			log.Printf("bus: session %s: disconnect receipt timed out", s.ID)
			s.cancel()
			s.ws.CloseNow()
		}
	})
	if closed {
		log.Printf("bus: session %s closed", s.ID)
	}
	return nil
}

type subscription struct {
	session *Session
	sub     *stomp.Subscription
	stopped atomic.Bool
}

// Unsubscribe stops delivery immediately and sends UNSUBSCRIBE in the
// background; the broker's receipt may lag behind messages already queued
// for this subscription. On a dead session there is nothing to tell the broker.
func (h *subscription) Unsubscribe() error {
	if h.stopped.Swap(true) {
		return nil
	}
	select {
	case <-h.session.done:
		return nil
	default:
	}
	if !h.sub.Active() {
		return nil
	}
	go func() {
		if err := h.sub.Unsubscribe(); err != nil && !errors.Is(err, stomp.ErrCompletedSubscription) {
			log.Printf("bus: session %s: unsubscribe %s: %v", h.session.ID, h.sub.Destination(), err)
		}
	}()
	return nil
}
