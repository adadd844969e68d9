package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/queue"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Addr:               "127.0.0.1:0",
		Format:             "json",
		MaxConnections:     32,
		MaxMessageBytes:    1 << 20,
		HeartbeatInterval:  time.Hour, // tests opt in to short heartbeats
		HeartbeatTimeout:   2 * time.Hour,
		SendQueueDepth:     64,
		FlushInterval:      2 * time.Millisecond,
		AutoCreateChannels: true,
		RPCTimeout:         time.Second,
		Logger:             zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// rawClient is a bare gorilla WebSocket speaking the JSON wire shape, used
// to drive the server without the client package's conveniences.
type rawClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	frames []event.Frame
}

func dialRaw(t *testing.T, srv *Server) *rawClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	rc := &rawClient{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })
	go rc.readLoop()
	return rc
}

func (rc *rawClient) readLoop() {
	for {
		_, payload, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			continue
		}
		frame, err := event.Unpack(decoded)
		if err != nil {
			continue
		}
		rc.mu.Lock()
		rc.frames = append(rc.frames, frame)
		rc.mu.Unlock()
	}
}

func (rc *rawClient) send(f event.Frame) {
	data, err := json.Marshal(f.Pack())
	require.NoError(rc.t, err)
	require.NoError(rc.t, rc.conn.WriteMessage(websocket.TextMessage, data))
}

func (rc *rawClient) sendEvent(id event.ID, payload any) {
	rc.send(event.Frame{Event: event.Event{ID: id, Payload: payload}})
}

// waitFrame returns the first buffered frame matching pred.
func (rc *rawClient) waitFrame(pred func(event.Frame) bool, timeout time.Duration) (event.Frame, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rc.mu.Lock()
		for _, f := range rc.frames {
			if pred(f) {
				rc.mu.Unlock()
				return f, true
			}
		}
		rc.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return event.Frame{}, false
}

func (rc *rawClient) countID(id event.ID) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	n := 0
	for _, f := range rc.frames {
		if f.Event.ID == id {
			n++
		}
	}
	return n
}

func (rc *rawClient) handshake() event.Frame {
	f, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.Handshake }, time.Second)
	require.True(rc.t, ok, "no handshake received")
	return f
}

func TestStartReportsReadiness(t *testing.T) {
	srv := newTestServer(t)
	// Start already probed; a dial right after must succeed.
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestHandshakeShape(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.HandshakeData = map[string]any{"motd": "welcome"}
	})
	rc := dialRaw(t, srv)

	hs := rc.handshake()
	uid, data, first, err := event.ParseHandshake(hs.Event.Payload)
	require.NoError(t, err)
	assert.NotEmpty(t, uid)
	assert.True(t, first)
	assert.Equal(t, map[string]any{"motd": "welcome"}, data)

	// The csrf slot travels as nil.
	vec, ok := hs.Event.Payload.([]any)
	require.True(t, ok)
	assert.Nil(t, vec[1])

	assert.Equal(t, 1, srv.ConnCount())
}

func TestUIDsAreUnique(t *testing.T) {
	srv := newTestServer(t)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		rc := dialRaw(t, srv)
		uid, _, _, err := event.ParseHandshake(rc.handshake().Event.Payload)
		require.NoError(t, err)
		assert.False(t, seen[uid], "uid %s reused", uid)
		seen[uid] = true
	}
}

func TestPingEcho(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRaw(t, srv)
	rc.handshake()

	rc.sendEvent(event.Ping, 1000)
	pong, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.Pong }, time.Second)
	require.True(t, ok, "no pong within deadline")

	ts, ok := event.PingTimestamp(pong.Event.Payload)
	require.True(t, ok)
	assert.Equal(t, int64(1000), ts, "pong must echo the ping timestamp")
}

func TestChannelPubSub(t *testing.T) {
	srv := newTestServer(t)
	a := dialRaw(t, srv)
	b := dialRaw(t, srv)
	c := dialRaw(t, srv)
	a.handshake()
	b.handshake()
	c.handshake()

	a.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	b.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	_, ok := a.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)
	_, ok = b.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)

	c.sendEvent(event.Publish, map[string]any{"channel": "news", "data": map[string]any{"hdr": "x"}})

	for _, rc := range []*rawClient{a, b} {
		pub, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.Publish }, time.Second)
		require.True(t, ok, "subscriber missed the publication")
		op, err := event.ParseChannelOp(pub.Event.Payload)
		require.NoError(t, err)
		assert.Equal(t, "news", op.Channel)
		assert.Equal(t, map[string]any{"hdr": "x"}, op.Data)
	}

	// Exactly once each; the publisher receives nothing.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.countID(event.Publish))
	assert.Equal(t, 1, b.countID(event.Publish))
	assert.Equal(t, 0, c.countID(event.Publish))
}

func TestUserEventReachesHandler(t *testing.T) {
	got := make(chan event.Event, 1)
	srv := newTestServer(t, func(cfg *Config) {
		cfg.Handler = func(connID string, ev event.Event, reply ReplyFunc) {
			got <- ev
			assert.Nil(t, reply, "no correlation id, no reply func")
		}
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	rc.sendEvent("app/chat", map[string]any{"text": "hi"})
	select {
	case ev := <-got:
		assert.Equal(t, event.ID("app/chat"), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestWrapReceivedEvents(t *testing.T) {
	got := make(chan event.Event, 1)
	srv := newTestServer(t, func(cfg *Config) {
		cfg.WrapReceivedEvents = true
		cfg.Handler = func(connID string, ev event.Event, reply ReplyFunc) {
			got <- ev
		}
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	rc.sendEvent("app/chat", "hi")
	select {
	case ev := <-got:
		require.Equal(t, event.Recv, ev.ID)
		wrapped, ok := ev.Payload.([]any)
		require.True(t, ok)
		assert.Equal(t, "app/chat", wrapped[0])
		assert.Equal(t, "hi", wrapped[1])
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestInboundRequestGetsReply(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.Handler = func(connID string, ev event.Event, reply ReplyFunc) {
			require.NotNil(t, reply)
			assert.NoError(t, reply(event.Event{ID: "app/eval-result", Payload: map[string]any{"value": float64(3)}}))
		}
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	rc.send(event.Frame{Event: event.Event{ID: "app/eval", Payload: map[string]any{"code": "(+ 1 2)"}}, ReplyID: "r1"})

	resp, ok := rc.waitFrame(func(f event.Frame) bool { return f.ReplyID == "r1" }, time.Second)
	require.True(t, ok, "no correlated reply")
	assert.Equal(t, event.ID("app/eval-result"), resp.Event.ID)
}

func TestServerRequestRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRaw(t, srv)
	hs := rc.handshake()
	uid, _, _, err := event.ParseHandshake(hs.Event.Payload)
	require.NoError(t, err)

	done := make(chan event.Event, 1)
	require.NoError(t, srv.Request(uid, event.Event{ID: "app/query", Payload: "state?"}, time.Second,
		func(ev event.Event, err error) {
			assert.NoError(t, err)
			done <- ev
		}))

	req, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == "app/query" }, time.Second)
	require.True(t, ok)
	require.NotEmpty(t, req.ReplyID)
	rc.send(event.Frame{Event: event.Event{ID: "app/query-result", Payload: "ok"}, ReplyID: req.ReplyID})

	select {
	case ev := <-done:
		assert.Equal(t, "ok", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("request callback never fired")
	}
}

func TestSendAndBroadcast(t *testing.T) {
	srv := newTestServer(t)
	a := dialRaw(t, srv)
	b := dialRaw(t, srv)
	uidA, _, _, err := event.ParseHandshake(a.handshake().Event.Payload)
	require.NoError(t, err)
	b.handshake()

	require.NoError(t, srv.Send(uidA, event.Event{ID: "app/direct", Payload: "only-a"}))
	_, ok := a.waitFrame(func(f event.Frame) bool { return f.Event.ID == "app/direct" }, time.Second)
	require.True(t, ok)

	res := srv.Broadcast(event.Event{ID: "app/announce", Payload: "all"})
	assert.Equal(t, 2, res.Delivered)
	for _, rc := range []*rawClient{a, b} {
		_, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == "app/announce" }, time.Second)
		require.True(t, ok)
	}
	assert.ErrorIs(t, srv.Send("ghost", event.Event{ID: "app/x"}), ErrConnNotFound)
}

func TestCloseCascade(t *testing.T) {
	disconnected := make(chan string, 1)
	srv := newTestServer(t, func(cfg *Config) {
		cfg.OnDisconnect = func(connID string, unsent []queue.Item) {
			disconnected <- connID
		}
	})
	rc := dialRaw(t, srv)
	uid, _, _, err := event.ParseHandshake(rc.handshake().Event.Payload)
	require.NoError(t, err)

	rc.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	_, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)

	require.NoError(t, srv.CloseConn(uid, "test-close"))

	select {
	case id := <-disconnected:
		assert.Equal(t, uid, id)
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect never fired")
	}
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, srv.Channels().Subscribers("news"), "subscriptions must vanish with the connection")
	assert.Empty(t, srv.Channels().SubscriptionsOf(uid))

	// Idempotent.
	assert.ErrorIs(t, srv.CloseConn(uid, "again"), ErrConnNotFound)
}

func TestHeartbeatReapsSilentPeer(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.HeartbeatTimeout = 250 * time.Millisecond
	})
	rc := dialRaw(t, srv)
	uid, _, _, err := event.ParseHandshake(rc.handshake().Event.Payload)
	require.NoError(t, err)

	rc.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	_, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)

	// The raw client never answers application-level pings: reaped within
	// interval+timeout plus scheduling slack.
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, srv.Channels().Subscribers("news"))
	assert.Empty(t, srv.Channels().SubscriptionsOf(uid))
}

func TestHeartbeatPongKeepsAlive(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	// Echo every ping for a while; the connection must survive well past
	// the timeout.
	stop := time.After(500 * time.Millisecond)
	for alive := true; alive; {
		select {
		case <-stop:
			alive = false
		default:
			if ping, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.Ping }, 60*time.Millisecond); ok {
				rc.sendEvent(event.Pong, ping.Event.Payload)
				rc.mu.Lock()
				rc.frames = rc.frames[:0]
				rc.mu.Unlock()
			}
		}
	}
	assert.Equal(t, 1, srv.ConnCount(), "ponging peer must not be reaped")
}

func TestMaxConnectionsRejectsUpgrade(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.MaxConnections = 1
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFrameTooLargeClosesConnection(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.MaxMessageBytes = 128
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	// Exactly at the limit: dropped as undecodable, connection survives.
	require.NoError(t, rc.conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 128))))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, srv.ConnCount())

	// One byte over: closed with frame-too-large.
	require.NoError(t, rc.conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 129))))
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDecodeErrorDropsByDefault(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRaw(t, srv)
	rc.handshake()

	require.NoError(t, rc.conn.WriteMessage(websocket.TextMessage, []byte("{{{{ not json")))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, srv.ConnCount())

	// The connection still works.
	rc.sendEvent(event.Ping, 7)
	_, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.Pong }, time.Second)
	assert.True(t, ok)
}

func TestStrictDecodeCloses(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.StrictDecode = true
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	require.NoError(t, rc.conn.WriteMessage(websocket.TextMessage, []byte("{{{{ not json")))
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProtocolErrorOnUnknownReservedEvent(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRaw(t, srv)
	rc.handshake()

	rc.sendEvent("tether/bogus", nil)
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientSentHandshakeIsProtocolError(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRaw(t, srv)
	rc.handshake()

	rc.sendEvent(event.Handshake, []any{"fake", nil, nil, true})
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopEmptiesEverything(t *testing.T) {
	srv := newTestServer(t)
	a := dialRaw(t, srv)
	b := dialRaw(t, srv)
	a.handshake()
	b.handshake()
	a.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	_, ok := a.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.ConnCount())
	assert.Empty(t, srv.Channels().Subscribers("news"))

	// Stop is terminal; a second call reports closed.
	assert.ErrorIs(t, srv.Stop(), ErrServerClosed)
}

func TestRateLimitDropsWithNotification(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.MessageRate = 1
		cfg.MessageBurst = 2
	})
	rc := dialRaw(t, srv)
	rc.handshake()

	for i := 0; i < 10; i++ {
		rc.sendEvent("app/spam", i)
	}
	_, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SendErr }, time.Second)
	assert.True(t, ok, "rate-limited events must produce a send-err notification")
	assert.Equal(t, 1, srv.ConnCount(), "rate limiting drops, never disconnects")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newTestServer(t)
	a := dialRaw(t, srv)
	a.handshake()
	a.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	_, ok := a.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)

	a.sendEvent(event.Unsubscribe, map[string]any{"channel": "news"})
	require.Eventually(t, func() bool {
		return len(srv.Channels().Subscribers("news")) == 0
	}, time.Second, 2*time.Millisecond)

	_, err := srv.Channels().Publish("news", "late")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, a.countID(event.Publish))
}

func TestChannelCloseNotifiesSubscribers(t *testing.T) {
	srv := newTestServer(t)
	rc := dialRaw(t, srv)
	rc.handshake()
	rc.sendEvent(event.Subscribe, map[string]any{"channel": "news"})
	_, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.SubOK }, time.Second)
	require.True(t, ok)

	require.NoError(t, srv.Channels().Close("news"))
	closed, ok := rc.waitFrame(func(f event.Frame) bool { return f.Event.ID == event.ChanClosed }, time.Second)
	require.True(t, ok)
	op, err := event.ParseChannelOp(closed.Event.Payload)
	require.NoError(t, err)
	assert.Equal(t, "news", op.Channel)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
