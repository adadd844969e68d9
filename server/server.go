// Package server implements the server core: WebSocket upgrades, the
// connection table, reserved-event routing, channel operations, the
// heartbeat reaper, and broadcast/send/request over bounded send queues.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/tether/channel"
	"github.com/adred-codev/tether/dispatch"
	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/limits"
	"github.com/adred-codev/tether/monitoring"
	"github.com/adred-codev/tether/queue"
	"github.com/adred-codev/tether/wire"
)

var (
	// ErrConnNotFound rejects operations on an unknown connection id.
	ErrConnNotFound = errors.New("server: connection not found")
	// ErrServerClosed rejects operations after Stop.
	ErrServerClosed = errors.New("server: closed")
)

const (
	// writeWait bounds a single transport write.
	writeWait = 5 * time.Second
	// stopGrace bounds the per-queue final drain during connection close.
	stopGrace = 2 * time.Second
)

// Handler receives user-level events. reply is non-nil when the peer asked
// for a correlated response.
type Handler func(connID string, ev event.Event, reply ReplyFunc)

// ReplyFunc sends the correlated response for an inbound request.
type ReplyFunc func(ev event.Event) error

// Config wires a server. Zero values take the documented defaults.
type Config struct {
	// Addr is the listen address, default ":3000".
	Addr string
	// Format names the wire format served to every connection; default
	// "json". Chosen once per server, stored on each connection at upgrade.
	Format string
	// Registry resolves Format; default wire.NewRegistry().
	Registry *wire.Registry

	// MaxConnections caps concurrent connections; over-cap upgrades are
	// rejected with 503. Default 1000.
	MaxConnections int
	// MaxMessageBytes caps one inbound frame; over-limit frames close the
	// connection with reason frame-too-large. Default 1 MiB.
	MaxMessageBytes int64

	// HeartbeatInterval/HeartbeatTimeout drive the ping/pong reaper.
	// Both must be > 0 with timeout >= 2*interval. Defaults 30s/60s.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// SendQueueDepth and FlushInterval size each connection's send queue.
	// Defaults 1000 and 10ms.
	SendQueueDepth int
	FlushInterval  time.Duration

	// ChannelDefaults bounds lazily created channels; AutoCreateChannels
	// makes first subscribe create the channel.
	ChannelDefaults    channel.Config
	AutoCreateChannels bool

	// RPCTimeout is the default deadline for server-issued requests.
	// Default 5s.
	RPCTimeout time.Duration

	// MessageRate/MessageBurst bound inbound user events per connection;
	// zero disables limiting.
	MessageRate  float64
	MessageBurst int

	// WrapReceivedEvents delivers user events wrapped as
	// (tether/recv, [orig-id, payload]) for predecessor-API compatibility.
	// Off (default) the handler receives the event unwrapped.
	WrapReceivedEvents bool
	// StrictDecode closes a connection on undecodable input instead of
	// logging and dropping.
	StrictDecode bool

	// HandshakeData travels opaque in the handshake vector.
	HandshakeData any

	// Handler receives user-level events. Reserved protocol events are
	// never surfaced here.
	Handler Handler
	// OnDisconnect observes connection teardown with the messages its
	// queue never sent; the application decides redelivery policy.
	OnDisconnect func(connID string, unsent []queue.Item)
	// OnError observes asynchronous transport failures.
	OnError func(connID string, err error)

	Logger zerolog.Logger
}

func (c *Config) withDefaults() error {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Registry == nil {
		c.Registry = wire.NewRegistry()
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.HeartbeatTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("server: heartbeat timeout (%s) must be >= 2x interval (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 5 * time.Second
	}
	return nil
}

// Server accepts WebSocket upgrades, routes inbound events, and exposes
// broadcast, targeted send, and request/response to the application.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	codec  wire.Codec

	listener   net.Listener
	httpServer *http.Server

	mu    sync.RWMutex
	conns map[string]*Conn
	sem   chan struct{}

	channels *channel.Manager
	pending  *dispatch.Pending
	limiter  *limits.MessageLimiter

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	startTime    time.Time
}

// New builds a server from cfg.
func New(cfg Config) (*Server, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	codec, ok := cfg.Registry.Get(cfg.Format)
	if !ok {
		return nil, fmt.Errorf("server: unknown wire format %q (have %v)", cfg.Format, cfg.Registry.Names())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		codec:     codec,
		conns:     make(map[string]*Conn),
		sem:       make(chan struct{}, cfg.MaxConnections),
		pending:   dispatch.NewPending(cfg.RPCTimeout/4, cfg.Logger),
		limiter:   limits.NewMessageLimiter(cfg.MessageRate, cfg.MessageBurst),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.channels = channel.NewManager(channel.ManagerConfig{
		Defaults:   cfg.ChannelDefaults,
		AutoCreate: cfg.AutoCreateChannels,
		Resolver:   s,
		Logger:     cfg.Logger,
	})
	return s, nil
}

// Peer implements channel.Resolver over the connection table.
func (s *Server) Peer(id string) (channel.Peer, bool) {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c, true
}

// Channels exposes the channel manager.
func (s *Server) Channels() *channel.Manager { return s.channels }

// Addr returns the bound listen address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// UpgradeHandler exposes the accept path so any WebSocket-capable HTTP
// library can mount it.
func (s *Server) UpgradeHandler() http.HandlerFunc { return s.handleWebSocket }

// Start listens, serves /ws, /health and /metrics, launches the heartbeat
// and the pending-request sweep, and returns only after verifying the
// socket actually accepts: a client dialing on return must succeed.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server accept loop error")
		}
	}()

	if err := s.probeReadiness(); err != nil {
		s.httpServer.Close()
		return err
	}

	s.pending.Start()
	s.wg.Add(1)
	go s.heartbeatLoop()

	s.logger.Info().
		Str("addr", s.Addr()).
		Str("format", s.codec.Name()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("server listening")
	return nil
}

// probeReadiness self-dials until an accept succeeds. Immediately after
// listen there is a window where accepts can be refused; readiness must not
// be reported inside it.
func (s *Server) probeReadiness() error {
	addr := s.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "::" || host == "0.0.0.0") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}

	var lastErr error
	for i := 0; i < 100; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("server: socket never became ready: %w", lastErr)
}

// handleWebSocket is the accept path: capacity check, upgrade, connection
// entry construction, registration, handshake emission.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		monitoring.ConnectionRejected()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		monitoring.ConnectionRejected()
		s.logger.Warn().Int("max_connections", s.cfg.MaxConnections).Msg("connection rejected: at capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		monitoring.ConnectionRejected()
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c, err := s.register(raw)
	if err != nil {
		<-s.sem
		raw.Close()
		s.logger.Error().Err(err).Msg("connection setup failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

// register builds the connection entry, adds it to the table, and sends the
// handshake.
func (s *Server) register(raw net.Conn) (*Conn, error) {
	now := time.Now()
	c := &Conn{
		id:       uuid.NewString(),
		raw:      raw,
		codec:    s.codec,
		openedAt: now,
	}
	c.lastActivity.Store(now.UnixNano())
	c.lastPong.Store(now.UnixNano())

	q, err := queue.New(queue.Config{
		Capacity:      s.cfg.SendQueueDepth,
		FlushInterval: s.cfg.FlushInterval,
		StopGrace:     stopGrace,
		Encode: func(f event.Frame) ([]byte, error) {
			return c.codec.Encode(f.Pack())
		},
		Write: func(data []byte) error {
			return c.writeTransport(data, writeWait)
		},
		OnError: func(err error, it queue.Item) {
			if s.cfg.OnError != nil {
				s.cfg.OnError(c.id, err)
			}
			// Transport write failures close the connection; async so the
			// flush goroutine is not closing itself.
			go s.closeConn(c, "write-error", false)
		},
		Logger: s.logger.With().Str("conn_id", c.id).Logger(),
	})
	if err != nil {
		return nil, err
	}
	c.q = q

	c.handshake = event.HandshakePayload(c.id, s.cfg.HandshakeData, true)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	monitoring.ConnectionOpened()

	q.Start()
	if err := q.Enqueue(event.Frame{Event: event.Event{ID: event.Handshake, Payload: c.handshake}}); err != nil {
		s.logger.Error().Err(err).Str("conn_id", c.id).Msg("handshake enqueue failed")
	}

	s.logger.Debug().Str("conn_id", c.id).Str("remote_addr", raw.RemoteAddr().String()).Msg("connection opened")
	return c, nil
}

// Send encodes and enqueues one event for a connection. Returns nil,
// queue.ErrFull, queue.ErrClosed, ErrConnNotFound, or a *wire.EncodeError.
func (s *Server) Send(connID string, ev event.Event) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	err := c.q.Enqueue(event.Frame{Event: ev})
	if errors.Is(err, queue.ErrFull) {
		monitoring.QueueRejected()
	}
	return err
}

// SendAsync enqueues with the send queue's waiter semantics: when the
// queue is full a waiter is registered and the callback fires once with
// nil, queue.ErrTimeout, or queue.ErrClosed.
func (s *Server) SendAsync(connID string, ev event.Event, timeout time.Duration, cb queue.Callback) (queue.CancelFunc, error) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrConnNotFound
	}
	return c.q.EnqueueAsync(event.Frame{Event: ev}, timeout, cb)
}

// SendWait blocks until the event is accepted, the context expires, or the
// connection's queue closes. Not offered on cooperative runtimes.
func (s *Server) SendWait(ctx context.Context, connID string, ev event.Event) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	return c.q.EnqueueWait(ctx, event.Frame{Event: ev})
}

// BroadcastResult counts a broadcast fan-out.
type BroadcastResult struct {
	Delivered int
	Rejected  int
}

// Broadcast enqueues the event on every open connection, encoding once per
// wire format. Rejections are counted, never fatal.
func (s *Server) Broadcast(ev event.Event) BroadcastResult {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	frame := event.Frame{Event: ev}
	encoded := make(map[string][]byte)
	var res BroadcastResult
	for _, c := range targets {
		data, ok := encoded[c.codec.Name()]
		if !ok {
			var err error
			data, err = c.codec.Encode(frame.Pack())
			if err != nil {
				s.logger.Error().Err(err).Str("event_id", string(ev.ID)).Msg("broadcast encode failed")
				return res
			}
			encoded[c.codec.Name()] = data
		}
		if err := c.EnqueueEncoded(frame, data); err != nil {
			res.Rejected++
			continue
		}
		res.Delivered++
	}
	return res
}

// Request sends an event expecting a correlated response. The callback
// fires exactly once: with the response, with dispatch.ErrTimeout at the
// deadline, or with dispatch.ErrClosed if the connection goes away first.
// A non-positive timeout takes the configured RPC default.
func (s *Server) Request(connID string, ev event.Event, timeout time.Duration, cb dispatch.Callback) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	if timeout <= 0 {
		timeout = s.cfg.RPCTimeout
	}

	reqID := uuid.NewString()
	s.pending.Add(reqID, connID, timeout, func(ev event.Event, err error) {
		if errors.Is(err, dispatch.ErrTimeout) {
			monitoring.RPCTimeout()
		}
		cb(ev, err)
	})
	if err := c.q.Enqueue(event.Frame{Event: ev, ReplyID: reqID}); err != nil {
		s.pending.Cancel(reqID)
		if errors.Is(err, queue.ErrFull) {
			monitoring.QueueRejected()
		}
		return err
	}
	return nil
}

// CloseConn closes one connection with the given reason.
func (s *Server) CloseConn(connID, reason string) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	s.closeConn(c, reason, true)
	return nil
}

// closeConn runs the teardown cascade exactly once, in order:
// unsubscribe-all, table removal, queue stop (unsent surfaced through
// OnDisconnect), pending-request close notifications.
func (s *Server) closeConn(c *Conn, reason string, notifyPeer bool) {
	c.closeOnce.Do(func() {
		if notifyPeer {
			_ = c.q.Enqueue(event.Frame{Event: event.Event{ID: event.Close, Payload: reason}})
		}

		s.channels.UnsubscribeAll(c.id)

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		unsent := c.q.Stop()
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(c.id, unsent)
		}

		s.pending.FailConn(c.id)
		s.limiter.Remove(c.id)

		c.writeClose(ws.StatusNormalClosure, reason, writeWait)
		c.raw.Close()

		<-s.sem
		monitoring.ConnectionClosed()
		s.logger.Debug().
			Str("conn_id", c.id).
			Str("reason", reason).
			Int("unsent", len(unsent)).
			Dur("lifetime", time.Since(c.openedAt)).
			Msg("connection closed")
	})
}

// Stop rejects new upgrades, closes every connection through the full close
// cascade, and halts the heartbeat and sweep tasks. After Stop returns no
// handler callback runs, the connection table is empty, and every send
// queue is stopped.
func (s *Server) Stop() error {
	if s.shuttingDown.Swap(true) {
		return ErrServerClosed
	}
	s.logger.Info().Msg("initiating graceful shutdown")

	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	for _, c := range targets {
		s.closeConn(c, "server-shutdown", true)
	}

	s.cancel()
	s.pending.Stop()
	s.wg.Wait()
	s.logger.Info().Msg("graceful shutdown completed")
	return nil
}

// handleHealth reports connection counts and process resource usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sys := monitoring.CollectSystemStats()
	current := s.ConnCount()

	status := "healthy"
	if current >= s.cfg.MaxConnections {
		status = "degraded"
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": map[string]any{
			"capacity": map[string]any{
				"current": current,
				"max":     s.cfg.MaxConnections,
			},
			"memory_mb":   sys.MemoryMB,
			"cpu_percent": sys.CPUPercent,
		},
		"channels": len(s.channels.Names()),
		"uptime":   time.Since(s.startTime).Seconds(),
	})
}
