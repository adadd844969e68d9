// Package client implements the client core: dialing, the connection state
// machine with exponential-backoff reconnects, the bounded send queue, and
// the unified handler registry for receive dispatch and request/response.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/tether/dispatch"
	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/queue"
	"github.com/adred-codev/tether/wire"
)

// ErrClosed rejects operations on a client in the terminal state.
var ErrClosed = errors.New("client: closed")

const serverPeerID = "server"

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config wires a client. Zero values take the documented defaults.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:3000/ws".
	URL string
	// Format must name the server's wire format; default "json".
	Format string
	// Registry resolves Format; default wire.NewRegistry().
	Registry *wire.Registry

	// QueueDepth and FlushInterval size the send queue. Defaults 1000 and
	// 10ms. Sends are accepted while handshaking or reconnecting, subject
	// to the queue bound; the flush loop stalls until a transport exists.
	QueueDepth    int
	FlushInterval time.Duration

	// DisableReconnect turns the automatic reconnect off; a transport loss
	// then moves the client straight to Closed.
	DisableReconnect bool
	// InitialBackoff and MaxBackoff bound the reconnect delay: doubling
	// from initial to max, reset after a successful handshake. Defaults
	// 1s and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HandshakeTimeout bounds the wait for the server handshake after the
	// transport opens. Default 10s.
	HandshakeTimeout time.Duration
	// RPCTimeout is the default Request deadline. Default 5s.
	RPCTimeout time.Duration

	// OnChannelReady fires on every entry into Open. Applications
	// re-register subscriptions and handlers here; handlers are not
	// carried across reconnects automatically.
	OnChannelReady func(uid string, first bool)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(from, to State)
	// OnNotification observes reserved back-notifications (sub-ok,
	// sub-err, chan-closed, send-err). Reserved events never reach the
	// handler registry, except channel publications (tether/publish),
	// which are dispatched through it like user events.
	OnNotification func(ev event.Event)
	// OnRequest receives server-initiated requests: events carrying a
	// correlation id the client never issued. reply sends the correlated
	// response; leaving it uncalled lets the server's deadline fire. When
	// nil such events go through the handler registry without a reply path.
	OnRequest func(ev event.Event, reply func(event.Event) error)
	// OnDisconnect fires once, at final close, with the queue items that
	// never reached the wire. A transport loss followed by a reconnect does
	// not invoke it.
	OnDisconnect func(unsent []queue.Item)
	// OnError observes asynchronous failures.
	OnError func(err error)

	Logger zerolog.Logger
}

func (c *Config) withDefaults() error {
	if c.URL == "" {
		return errors.New("client: URL is required")
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Registry == nil {
		c.Registry = wire.NewRegistry()
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 5 * time.Second
	}
	return nil
}

// Client is one server session with reconnect. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	codec  wire.Codec
	logger zerolog.Logger

	q       *queue.Queue
	reg     *dispatch.Registry
	pending *dispatch.Pending

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	session  int64
	uid      string
	everOpen bool

	lastPong atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a client. Connect starts it.
func New(cfg Config) (*Client, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	codec, ok := cfg.Registry.Get(cfg.Format)
	if !ok {
		return nil, fmt.Errorf("client: unknown wire format %q (have %v)", cfg.Format, cfg.Registry.Names())
	}

	c := &Client{
		cfg:    cfg,
		codec:  codec,
		logger: cfg.Logger,
		state:  StateDisconnected,
		closed: make(chan struct{}),
	}
	c.reg = dispatch.NewRegistry(cfg.Logger)
	c.pending = dispatch.NewPending(cfg.RPCTimeout/4, cfg.Logger)

	q, err := queue.New(queue.Config{
		Capacity:      cfg.QueueDepth,
		FlushInterval: cfg.FlushInterval,
		StopGrace:     2 * time.Second,
		Encode: func(f event.Frame) ([]byte, error) {
			return codec.Encode(f.Pack())
		},
		Write: c.writeTransport,
		Ready: c.writable,
		OnError: func(err error, it queue.Item) {
			if cfg.OnError != nil {
				cfg.OnError(err)
			}
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.q = q
	return c, nil
}

// Connect moves Disconnected → Connecting and starts the connection
// lifecycle. It returns immediately; OnChannelReady signals Open.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("client: connect in state %s", c.state)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.pending.Start()
	c.q.Start()
	c.wg.Add(1)
	go c.run()
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UID returns the server-assigned session id of the current session, empty
// before the first handshake.
func (c *Client) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// LastPong returns the receive time of the most recent pong.
func (c *Client) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// Handlers exposes the receive-dispatch registry for persistent and
// one-shot handler registration.
func (c *Client) Handlers() *dispatch.Registry { return c.reg }

// QueueStats snapshots send-queue counters.
func (c *Client) QueueStats() queue.Stats { return c.q.Stats() }

// OnMessage installs the catch-all handler: a persistent wildcard
// registration in the dispatch registry.
func (c *Client) OnMessage(cb func(ev event.Event)) string {
	return c.reg.Register(dispatch.MatchID(event.Wildcard), func(ev event.Event, err error) {
		if err == nil {
			cb(ev)
		}
	})
}

// Send encodes and enqueues one event. Returns nil, queue.ErrFull,
// queue.ErrClosed, or a *wire.EncodeError.
func (c *Client) Send(ev event.Event) error {
	return c.q.Enqueue(event.Frame{Event: ev})
}

// SendAsync enqueues with waiter semantics: when the queue is full the
// callback fires once with nil, queue.ErrTimeout, or queue.ErrClosed.
func (c *Client) SendAsync(ev event.Event, timeout time.Duration, cb queue.Callback) (queue.CancelFunc, error) {
	return c.q.EnqueueAsync(event.Frame{Event: ev}, timeout, cb)
}

// SendWait blocks until the event is accepted, the context expires, or the
// queue closes. Not offered on cooperative runtimes.
func (c *Client) SendWait(ctx context.Context, ev event.Event) error {
	return c.q.EnqueueWait(ctx, event.Frame{Event: ev})
}

// Request sends an event expecting a correlated response. The callback
// fires exactly once: response, dispatch.ErrTimeout, or dispatch.ErrClosed
// on transport loss. Non-positive timeout takes the configured default.
func (c *Client) Request(ev event.Event, timeout time.Duration, cb dispatch.Callback) (string, error) {
	if timeout <= 0 {
		timeout = c.cfg.RPCTimeout
	}
	reqID := uuid.NewString()
	c.pending.Add(reqID, serverPeerID, timeout, cb)
	if err := c.q.Enqueue(event.Frame{Event: ev, ReplyID: reqID}); err != nil {
		c.pending.Cancel(reqID)
		return "", err
	}
	return reqID, nil
}

// Subscribe asks the server to add this session to a channel. The outcome
// arrives as a sub-ok or sub-err notification.
func (c *Client) Subscribe(name string) error {
	return c.Send(event.Event{ID: event.Subscribe, Payload: event.ChannelOp{Channel: name}.Map()})
}

// Unsubscribe leaves a channel.
func (c *Client) Unsubscribe(name string) error {
	return c.Send(event.Event{ID: event.Unsubscribe, Payload: event.ChannelOp{Channel: name}.Map()})
}

// Publish sends a payload to a channel.
func (c *Client) Publish(name string, data any) error {
	return c.Send(event.Event{ID: event.Publish, Payload: event.ChannelOp{Channel: name, Data: data}.Map()})
}

// Close stops the send queue with grace, closes the transport, notifies
// one-shot handlers with ErrClosed, and moves to Closed. Idempotent. Must
// not be called from inside a handler callback: Close waits for the
// lifecycle goroutine that dispatches them.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// Drain first, while the transport (if any) can still take writes.
		unsent := c.q.Stop()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.setStateLocked(StateClosed)
		c.mu.Unlock()

		close(c.closed)
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		c.reg.Stop()
		c.pending.Stop()
		c.wg.Wait()
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(unsent)
		}
		c.logger.Debug().Int("unsent", len(unsent)).Msg("client closed")
	})
	return nil
}

// setStateLocked transitions state; the caller holds c.mu. The observer
// callback runs without the lock.
func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if cb := c.cfg.OnStateChange; cb != nil {
		go cb(from, to)
	}
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
}

// writable gates the send queue's flush loop: a live transport must exist.
func (c *Client) writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && (c.state == StateOpen || c.state == StateHandshaking)
}

// writeTransport is the queue's write func.
func (c *Client) writeTransport(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: no transport")
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	return conn.WriteMessage(messageType, data)
}
