package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/monitoring"
	"github.com/adred-codev/tether/queue"
	"github.com/adred-codev/tether/wire"
)

// Conn is the per-connection entry: immutable identity, the transport
// handle, atomically updated activity counters, the wire format chosen at
// upgrade, and the outbound send queue. Channel membership lives in the
// channel manager's subscription index, keyed by this id.
type Conn struct {
	id       string
	raw      net.Conn
	codec    wire.Codec
	q        *queue.Queue
	openedAt time.Time

	lastActivity atomic.Int64 // unix nanos
	lastPong     atomic.Int64 // unix nanos
	msgCount     atomic.Int64

	// handshake persists the payload sent after upgrade for retransmission.
	handshake []any

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ID returns the immutable connection id assigned at accept time.
func (c *Conn) ID() string { return c.id }

// Codec returns the wire format chosen at upgrade.
func (c *Conn) Codec() wire.Codec { return c.codec }

// OpenedAt returns the accept timestamp.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// LastPong returns the time the last pong was received.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// MessageCount returns the number of inbound messages routed.
func (c *Conn) MessageCount() int64 { return c.msgCount.Load() }

// QueueStats snapshots the connection's send queue counters.
func (c *Conn) QueueStats() queue.Stats { return c.q.Stats() }

// EnqueueEncoded places a pre-encoded frame on the send queue. Implements
// channel.Peer for publish fan-out.
func (c *Conn) EnqueueEncoded(f event.Frame, data []byte) error {
	err := c.q.EnqueueEncoded(f, data)
	if errors.Is(err, queue.ErrFull) {
		monitoring.QueueRejected()
	}
	return err
}

func (c *Conn) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
	c.msgCount.Add(1)
}

// writeTransport is the send queue's write func: one encoded message, one
// WebSocket frame, text or binary per the codec.
func (c *Conn) writeTransport(data []byte, writeWait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	if err := wsutil.WriteServerMessage(c.raw, op, data); err != nil {
		return err
	}
	monitoring.MessageSent(1, int64(len(data)))
	return nil
}

// writeClose sends a close frame, best effort.
func (c *Conn) writeClose(code ws.StatusCode, reason string, writeWait time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, reason)
	_ = ws.WriteFrame(c.raw, ws.NewCloseFrame(body))
}
