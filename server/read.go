package server

import (
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/monitoring"
)

// readLoop reads, decodes and routes inbound frames for one connection
// until the transport fails or the frame-size limit is breached.
func (s *Server) readLoop(c *Conn) {
	reason := "read-error"
	defer func() {
		s.closeConn(c, reason, false)
	}()

	for {
		hdr, rd, err := wsutil.NextReader(c.raw, ws.StateServerSide)
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			switch hdr.OpCode {
			case ws.OpClose:
				reason = "peer-close"
				return
			case ws.OpPing:
				payload, _ := io.ReadAll(io.LimitReader(rd, 125))
				c.writeMu.Lock()
				c.raw.SetWriteDeadline(time.Now().Add(writeWait))
				err := wsutil.WriteServerMessage(c.raw, ws.OpPong, payload)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			default:
				// Pong or reserved control frame: drain and move on.
				io.Copy(io.Discard, rd)
			}
			continue
		}

		// Reject oversized frames before reading the payload.
		if hdr.Length > s.cfg.MaxMessageBytes {
			reason = "frame-too-large"
			s.logger.Warn().
				Str("conn_id", c.id).
				Int64("frame_bytes", hdr.Length).
				Int64("max_bytes", s.cfg.MaxMessageBytes).
				Msg("closing connection: frame too large")
			c.writeClose(ws.StatusMessageTooBig, reason, writeWait)
			return
		}

		// A fragmented message can exceed the first frame's length; the
		// limit applies to the assembled message.
		payload, err := io.ReadAll(io.LimitReader(rd, s.cfg.MaxMessageBytes+1))
		if err != nil {
			return
		}
		if int64(len(payload)) > s.cfg.MaxMessageBytes {
			reason = "frame-too-large"
			c.writeClose(ws.StatusMessageTooBig, reason, writeWait)
			return
		}

		if closeReason := s.route(c, payload); closeReason != "" {
			reason = closeReason
			return
		}
	}
}

// route decodes one inbound payload and dispatches it: reserved protocol
// events to the channel/heartbeat/request machinery, everything else to the
// application handler. A non-empty return closes the connection with that
// reason.
func (s *Server) route(c *Conn, payload []byte) string {
	now := time.Now()
	c.touch(now)
	monitoring.MessageReceived(int64(len(payload)))

	decoded, err := c.codec.Decode(payload)
	if err != nil {
		monitoring.DecodeError()
		s.logger.Error().
			Err(err).
			Str("conn_id", c.id).
			Int("raw_bytes", len(payload)).
			Hex("raw_sample", payload[:min(len(payload), 64)]).
			Msg("dropping undecodable frame")
		if s.cfg.StrictDecode {
			return "decode-error"
		}
		return ""
	}

	frame, err := event.Unpack(decoded)
	if err != nil {
		monitoring.DecodeError()
		s.logger.Error().Err(err).Str("conn_id", c.id).Msg("dropping malformed frame")
		if s.cfg.StrictDecode {
			return "decode-error"
		}
		return ""
	}

	// A correlation id we issued marks this frame as the response to a
	// server-initiated request.
	if frame.ReplyID != "" && s.pending.Resolve(frame.ReplyID, frame.Event) {
		return ""
	}

	if frame.Event.ID.Reserved() {
		return s.routeReserved(c, frame, now)
	}
	s.dispatchUser(c, frame)
	return ""
}

// routeReserved handles protocol events; they never reach the application
// handler.
func (s *Server) routeReserved(c *Conn, frame event.Frame, now time.Time) string {
	ev := frame.Event
	switch ev.ID {
	case event.Ping:
		// Echo the peer's timestamp back.
		if err := c.q.Enqueue(event.Frame{Event: event.Event{ID: event.Pong, Payload: ev.Payload}}); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("pong enqueue rejected")
		}
		return ""

	case event.Pong:
		c.lastPong.Store(now.UnixNano())
		return ""

	case event.Subscribe:
		op, err := event.ParseChannelOp(ev.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.id).Msg("malformed subscribe")
			return "protocol-error"
		}
		// Cap violations already produce a sub-err back-notification.
		_ = s.channels.Subscribe(c.id, op.Channel)
		return ""

	case event.Unsubscribe:
		op, err := event.ParseChannelOp(ev.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.id).Msg("malformed unsubscribe")
			return "protocol-error"
		}
		s.channels.Unsubscribe(c.id, op.Channel)
		return ""

	case event.Publish:
		op, err := event.ParseChannelOp(ev.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.id).Msg("malformed publish")
			return "protocol-error"
		}
		if _, err := s.channels.Publish(op.Channel, op.Data); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.id).Str("channel", op.Channel).Msg("publish failed")
			return ""
		}
		monitoring.PublishAccepted()
		return ""

	case event.Close:
		return "peer-close"

	default:
		// Clients never send handshakes or back-notifications; an unknown
		// reserved id is a protocol violation either way.
		s.logger.Warn().Str("conn_id", c.id).Str("event_id", string(ev.ID)).Msg("unexpected reserved event")
		return "protocol-error"
	}
}

// dispatchUser forwards a user-level event to the application handler,
// rate-limited per connection.
func (s *Server) dispatchUser(c *Conn, frame event.Frame) {
	if !s.limiter.Allow(c.id) {
		monitoring.RateLimited()
		_ = c.q.Enqueue(event.Frame{Event: event.Event{
			ID:      event.SendErr,
			Payload: map[string]any{"code": "rate-limited", "event": string(frame.Event.ID)},
		}})
		return
	}

	if s.cfg.Handler == nil {
		return
	}

	ev := frame.Event
	if s.cfg.WrapReceivedEvents {
		ev = event.Event{ID: event.Recv, Payload: []any{string(frame.Event.ID), frame.Event.Payload}}
	}

	var reply ReplyFunc
	if frame.ReplyID != "" {
		replyID := frame.ReplyID
		reply = func(resp event.Event) error {
			return c.q.Enqueue(event.Frame{Event: resp, ReplyID: replyID})
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().
				Str("conn_id", c.id).
				Str("event_id", string(frame.Event.ID)).
				Interface("panic", rec).
				Msg("application handler panicked")
		}
	}()
	s.cfg.Handler(c.id, ev, reply)
}
