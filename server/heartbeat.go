package server

import (
	"time"

	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/monitoring"
)

// heartbeatLoop is the single process-wide heartbeat task. Each tick it
// reaps connections whose last pong is older than the timeout and pings the
// rest. Ping and pong never surface to user handlers.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.heartbeatTick(now)
		}
	}
}

func (s *Server) heartbeatTick(now time.Time) {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		lastPong := time.Unix(0, c.lastPong.Load())
		if now.Sub(lastPong) > s.cfg.HeartbeatTimeout {
			monitoring.HeartbeatTimeout()
			s.logger.Info().
				Str("conn_id", c.id).
				Dur("since_pong", now.Sub(lastPong)).
				Msg("reaping silent connection")
			s.closeConn(c, "heartbeat-timeout", false)
			continue
		}
		err := c.q.Enqueue(event.Frame{Event: event.Event{ID: event.Ping, Payload: now.UnixMilli()}})
		if err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("ping enqueue rejected")
		}
	}
}
