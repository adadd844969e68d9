package natsbridge

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/tether/channel"
)

// Config wires a bridge.
type Config struct {
	// URL is the NATS server address.
	URL string
	// Prefix namespaces bridged subjects; the bridge subscribes to
	// "<prefix>.>".
	Prefix string
	// Channels is the local manager publications land on.
	Channels *channel.Manager

	Logger zerolog.Logger
}

// Stats counts bridge traffic.
type Stats struct {
	Received  int64
	Published int64
	Skipped   int64
}

// Bridge subscribes to NATS subjects and publishes their payloads into the
// matching local channels.
type Bridge struct {
	cfg Config

	nc  *nats.Conn
	sub *nats.Subscription

	received  atomic.Int64
	published atomic.Int64
	skipped   atomic.Int64
}

// New connects to NATS.
func New(cfg Config) (*Bridge, error) {
	if cfg.Channels == nil {
		return nil, fmt.Errorf("natsbridge: channel manager is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tether"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	cfg.Logger.Info().Str("url", cfg.URL).Str("prefix", cfg.Prefix).Msg("connected to NATS")
	return &Bridge{cfg: cfg, nc: nc}, nil
}

// Start subscribes to the bridged subject space.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(SubscriptionPattern(b.cfg.Prefix), b.handle)
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe: %w", err)
	}
	b.sub = sub
	b.cfg.Logger.Info().Str("pattern", SubscriptionPattern(b.cfg.Prefix)).Msg("bridging NATS subjects")
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	b.received.Add(1)

	name := SubjectToChannel(b.cfg.Prefix, msg.Subject)
	if name == "" || !b.cfg.Channels.Exists(name) {
		b.skipped.Add(1)
		return
	}

	// NATS payloads are JSON documents; decode so the channel layer can
	// re-encode per subscriber format.
	var data any
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		b.skipped.Add(1)
		b.cfg.Logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping non-JSON bridge payload")
		return
	}

	res, err := b.cfg.Channels.Publish(name, data)
	if err != nil {
		b.cfg.Logger.Error().Err(err).Str("channel", name).Msg("bridge publish failed")
		return
	}
	b.published.Add(1)
	if res.Rejected > 0 {
		b.cfg.Logger.Debug().Str("channel", name).Int("rejected", res.Rejected).Msg("bridge publish saw backpressure")
	}
}

// Stats snapshots bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Published: b.published.Load(),
		Skipped:   b.skipped.Load(),
	}
}

// Stop unsubscribes and closes the connection.
func (b *Bridge) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
