package client

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/tether/event"
)

// run owns the connection lifecycle: dial, read until failure, then either
// reconnect with backoff or terminate, per configuration.
func (c *Client) run() {
	defer c.wg.Done()

	backoff := c.cfg.InitialBackoff
	for {
		if c.State() == StateClosed {
			return
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("dial failed")
			if c.cfg.OnError != nil {
				c.cfg.OnError(err)
			}
			if !c.scheduleRetry(&backoff) {
				return
			}
			continue
		}

		session, ok := c.attach(conn)
		if !ok {
			conn.Close()
			return
		}
		c.armHandshakeTimeout(session)

		handshaken := c.readSession(conn, session)
		c.detach(conn)

		// Transport gone: every outstanding one-shot gets its terminal
		// close notification; persistent handlers survive for the next
		// session.
		c.reg.CloseNotify()
		c.pending.FailConn(serverPeerID)

		if c.State() == StateClosed {
			return
		}
		if handshaken {
			backoff = c.cfg.InitialBackoff
		}
		if !c.scheduleRetry(&backoff) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.setStateLocked(StateConnecting)
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	return conn, err
}

// attach installs the transport and enters Handshaking. Returns the session
// generation used to fence stale timers and readers; false when the client
// closed while the dial was in flight.
func (c *Client) attach(conn *websocket.Conn) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return 0, false
	}
	c.conn = conn
	c.session++
	c.setStateLocked(StateHandshaking)
	return c.session, true
}

func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// armHandshakeTimeout closes the transport if the server handshake does not
// arrive in time; the read loop then fails and the retry path takes over.
func (c *Client) armHandshakeTimeout(session int64) {
	time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.mu.Lock()
		stale := c.session != session || c.state != StateHandshaking
		conn := c.conn
		c.mu.Unlock()
		if stale || conn == nil {
			return
		}
		c.logger.Warn().Dur("timeout", c.cfg.HandshakeTimeout).Msg("handshake timed out")
		conn.Close()
	})
}

// scheduleRetry sleeps the backoff (interruptible by Close) and doubles it
// up to the max. Returns false when the client should terminate instead.
func (c *Client) scheduleRetry(backoff *time.Duration) bool {
	if c.cfg.DisableReconnect {
		// Terminal: run the full close path without waiting on ourselves.
		go c.Close()
		return false
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.logger.Debug().Dur("backoff", *backoff).Msg("reconnecting after backoff")
	select {
	case <-c.closed:
		return false
	case <-time.After(*backoff):
	}

	*backoff *= 2
	if *backoff > c.cfg.MaxBackoff {
		*backoff = c.cfg.MaxBackoff
	}
	return true
}

// readSession reads and routes frames until the transport fails. Reports
// whether a handshake completed during the session.
func (c *Client) readSession(conn *websocket.Conn, session int64) bool {
	handshaken := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.State() != StateClosed {
				c.logger.Debug().Err(err).Msg("transport closed")
			}
			return handshaken
		}
		if c.routeInbound(payload, session) {
			handshaken = true
		}
	}
}

// routeInbound decodes one payload and dispatches it. Reports whether it
// was the handshake event.
func (c *Client) routeInbound(payload []byte, session int64) bool {
	decoded, err := c.codec.Decode(payload)
	if err != nil {
		c.logger.Error().Err(err).Int("raw_bytes", len(payload)).
			Hex("raw_sample", payload[:min(len(payload), 64)]).Msg("dropping undecodable frame")
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}
		return false
	}
	frame, err := event.Unpack(decoded)
	if err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed frame")
		return false
	}

	ev := frame.Event
	if ev.ID.Reserved() {
		return c.routeReserved(frame, session)
	}

	// A correlation id we issued marks a response to one of our requests;
	// any other correlated frame is a server-initiated request.
	if frame.ReplyID != "" {
		if c.pending.Resolve(frame.ReplyID, ev) {
			return false
		}
		if c.cfg.OnRequest != nil {
			replyID := frame.ReplyID
			c.cfg.OnRequest(ev, func(resp event.Event) error {
				return c.q.Enqueue(event.Frame{Event: resp, ReplyID: replyID})
			})
			return false
		}
	}

	c.reg.Dispatch(ev)
	return false
}

func (c *Client) routeReserved(frame event.Frame, session int64) bool {
	ev := frame.Event
	switch ev.ID {
	case event.Handshake:
		// The payload's own first? flag describes the server-side session;
		// the client tracks first-open itself for OnChannelReady.
		uid, _, _, err := event.ParseHandshake(ev.Payload)
		if err != nil {
			c.logger.Error().Err(err).Msg("malformed handshake")
			return false
		}
		c.mu.Lock()
		if c.session != session || c.state == StateClosed {
			c.mu.Unlock()
			return false
		}
		c.uid = uid
		wasOpen := c.everOpen
		c.everOpen = true
		c.setStateLocked(StateOpen)
		c.mu.Unlock()

		c.logger.Info().Str("uid", uid).Bool("first", !wasOpen).Msg("handshake complete")
		if c.cfg.OnChannelReady != nil {
			c.cfg.OnChannelReady(uid, !wasOpen)
		}
		return true

	case event.Ping:
		// Echo the timestamp back so the server's reaper sees us alive.
		if err := c.q.Enqueue(event.Frame{Event: event.Event{ID: event.Pong, Payload: ev.Payload}}); err != nil {
			c.logger.Debug().Err(err).Msg("pong enqueue rejected")
		}
		return false

	case event.Pong:
		c.lastPong.Store(time.Now().UnixNano())
		return false

	case event.Publish:
		// Channel deliveries are the application's data; they go through
		// the registry like user events.
		c.reg.Dispatch(ev)
		return false

	case event.Close:
		c.logger.Info().Interface("reason", ev.Payload).Msg("server sent close notice")
		return false

	case event.SubOK, event.SubErr, event.ChanClosed, event.SendErr:
		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(ev)
		} else {
			c.logger.Debug().Str("event_id", string(ev.ID)).Msg("channel notification")
		}
		return false

	default:
		c.logger.Warn().Str("event_id", string(ev.ID)).Msg("unknown reserved event")
		return false
	}
}
