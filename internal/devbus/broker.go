package devbus

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"
	"nhooyr.io/websocket"

	"github.com/gamenest/buildsync/internal/events"
)

// connListener hands connections accepted elsewhere (WebSocket upgrades, the
// in-process publisher pipe) to the STOMP server.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

// push blocks until the server accepts c or the listener closes.
func (l *connListener) push(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

// notifyConn reports when the STOMP server is done with a connection.
type notifyConn struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
}

func (c *notifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

// Broker is a STOMP broker reachable over WebSocket, plus a publisher
// connection of its own for simulated builds.
type Broker struct {
	listener *connListener
	stomp    *server.Server
	ctx      context.Context
	cancel   context.CancelFunc

	pubMu     sync.Mutex
	publisher *stomp.Conn
}

func newBroker(addr net.Addr, heartbeat time.Duration) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		listener: newConnListener(addr),
		stomp: &server.Server{
			HeartBeat: heartbeat,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// start runs the STOMP server and connects the publisher through a pipe.
func (b *Broker) start() error {
	go func() {
		if err := b.stomp.Serve(b.listener); err != nil {
			select {
			case <-b.ctx.Done():
			default:
				log.Printf("devbus: stomp server stopped: %v", err)
			}
		}
	}()

	client, srv := net.Pipe()
	go b.listener.push(srv)
	conn, err := stomp.Connect(client, stomp.ConnOpt.HeartBeat(0, 0), stomp.ConnOpt.Host("devbus"))
	if err != nil {
		client.Close()
		return fmt.Errorf("devbus: publisher connect: %w", err)
	}
	b.pubMu.Lock()
	b.publisher = conn
	b.pubMu.Unlock()
	return nil
}

// handleWebSocket upgrades the request and serves STOMP on it until either
// side closes.
func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		InsecureSkipVerify: true, // any origin; the token is checked before this
	})
	if err != nil {
		log.Printf("devbus: ws accept failed: %v", err)
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	nc := &notifyConn{
		Conn:   websocket.NetConn(ctx, ws, websocket.MessageText),
		closed: make(chan struct{}),
	}
	if !b.listener.push(nc) {
		ws.Close(websocket.StatusGoingAway, "broker shutting down")
		return
	}
	log.Printf("devbus: stomp client connected from %s", r.RemoteAddr)

	select {
	case <-nc.closed:
	case <-b.ctx.Done():
		nc.Close()
	}
	log.Printf("devbus: stomp client %s disconnected", r.RemoteAddr)
}

// Publish sends ev on topic to every subscriber.
func (b *Broker) Publish(topic events.Topic, ev events.Event) error {
	body, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("devbus: encode: %w", err)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.publisher == nil {
		return fmt.Errorf("devbus: publisher not connected")
	}
	if err := b.publisher.Send(topic.String(), "application/json", body); err != nil {
		return fmt.Errorf("devbus: send %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) close() {
	b.cancel()
	b.pubMu.Lock()
	if b.publisher != nil {
		b.publisher.MustDisconnect()
		b.publisher = nil
	}
	b.pubMu.Unlock()
	b.listener.Close()
}
