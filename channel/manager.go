// Package channel implements named in-process pub/sub channels: subscriber
// sets, the inverse per-connection subscription index, capped membership,
// and ordered publish fan-out over the subscribers' send queues.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/wire"
)

var (
	// ErrNotFound rejects operations on a channel that does not exist and
	// is not auto-created.
	ErrNotFound = errors.New("channel: not found")
	// ErrChannelFull rejects a subscribe that would exceed the channel's
	// max subscribers.
	ErrChannelFull = errors.New("channel: max subscribers reached")
	// ErrTooManySubscriptions rejects a subscribe that would exceed the
	// connection's max subscriptions.
	ErrTooManySubscriptions = errors.New("channel: max subscriptions per connection reached")
)

// Peer is the channel manager's view of a connection: enough to encode for
// its format and enqueue on its send queue. Channels hold connection ids
// only; peers are resolved through the connection table on every use.
type Peer interface {
	ID() string
	Codec() wire.Codec
	EnqueueEncoded(f event.Frame, data []byte) error
}

// Resolver resolves a connection id to a live peer. The server's connection
// table is the single source of truth.
type Resolver interface {
	Peer(id string) (Peer, bool)
}

// Config bounds one channel.
type Config struct {
	// MaxSubscribers caps the channel's subscriber set. 0 means unlimited.
	MaxSubscribers int
	// MaxSubscriptionsPerConn caps how many channels one connection may
	// join. 0 means unlimited. Checked when subscribing to this channel,
	// against the connection's subscription count across all channels.
	MaxSubscriptionsPerConn int
}

// Channel is a named multicast point.
type Channel struct {
	name string
	cfg  Config

	// pubMu serializes publishes so per-channel ordering is global across
	// subscribers: combined with FIFO send queues, publish acceptance
	// order is delivery order.
	pubMu sync.Mutex

	subscribers map[string]struct{}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// ManagerConfig wires a manager.
type ManagerConfig struct {
	// Defaults apply to channels created lazily or without explicit config.
	Defaults Config
	// AutoCreate makes Subscribe create missing channels on first use.
	AutoCreate bool

	Resolver Resolver
	Logger   zerolog.Logger
}

// PublishResult reports one fan-out: successful enqueues and backpressure
// rejections. Rejections never abort a publish.
type PublishResult struct {
	Delivered int
	Rejected  int
}

// Manager owns the channel table and the inverse subscription index. For
// every (conn, ch) membership both sides are edited under one critical
// section, so the two views never observably disagree.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	channels map[string]*Channel
	// subs is the inverse index: connection id → set of channel names. On
	// connection close it is the authoritative cleanup list.
	subs map[string]map[string]struct{}
}

// NewManager builds an empty channel manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		channels: make(map[string]*Channel),
		subs:     make(map[string]map[string]struct{}),
	}
}

// Create adds a channel with the given config, or returns the existing one.
// Idempotent; an existing channel keeps its original config.
func (m *Manager) Create(name string, cfg Config) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := &Channel{name: name, cfg: cfg, subscribers: make(map[string]struct{})}
	m.channels[name] = ch
	m.cfg.Logger.Debug().Str("channel", name).Msg("channel created")
	return ch
}

// Subscribe adds the connection to the channel's subscriber set and the
// inverse index, then emits a sub-ok back-notification. Re-subscribing is
// a no-op. Cap violations reject with ErrChannelFull or
// ErrTooManySubscriptions and emit sub-err.
func (m *Manager) Subscribe(connID, name string) error {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		if !m.cfg.AutoCreate {
			m.mu.Unlock()
			m.notifyErr(connID, name, ErrNotFound)
			return ErrNotFound
		}
		ch = &Channel{name: name, cfg: m.cfg.Defaults, subscribers: make(map[string]struct{})}
		m.channels[name] = ch
	}

	if _, dup := ch.subscribers[connID]; dup {
		m.mu.Unlock()
		m.notifyOK(connID, name)
		return nil
	}
	if ch.cfg.MaxSubscribers > 0 && len(ch.subscribers) >= ch.cfg.MaxSubscribers {
		m.mu.Unlock()
		m.notifyErr(connID, name, ErrChannelFull)
		return ErrChannelFull
	}
	if max := ch.cfg.MaxSubscriptionsPerConn; max > 0 && len(m.subs[connID]) >= max {
		m.mu.Unlock()
		m.notifyErr(connID, name, ErrTooManySubscriptions)
		return ErrTooManySubscriptions
	}

	ch.subscribers[connID] = struct{}{}
	if m.subs[connID] == nil {
		m.subs[connID] = make(map[string]struct{})
	}
	m.subs[connID][name] = struct{}{}
	m.mu.Unlock()

	m.cfg.Logger.Debug().Str("conn_id", connID).Str("channel", name).Msg("subscription added")
	m.notifyOK(connID, name)
	return nil
}

// Unsubscribe removes the connection from both sides. No-op if absent.
func (m *Manager) Unsubscribe(connID, name string) bool {
	m.mu.Lock()
	removed := m.unlink(connID, name)
	m.mu.Unlock()
	return removed
}

// unlink edits both the subscriber set and the inverse index; the caller
// holds m.mu.
func (m *Manager) unlink(connID, name string) bool {
	ch, ok := m.channels[name]
	if !ok {
		return false
	}
	if _, member := ch.subscribers[connID]; !member {
		return false
	}
	delete(ch.subscribers, connID)
	if set := m.subs[connID]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(m.subs, connID)
		}
	}
	return true
}

// UnsubscribeAll removes the connection from every channel it is in and
// returns the channel names it left. Invoked on connection close; the
// inverse index is the authoritative list.
func (m *Manager) UnsubscribeAll(connID string) []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.subs[connID]))
	for name := range m.subs[connID] {
		names = append(names, name)
	}
	for _, name := range names {
		m.unlink(connID, name)
	}
	m.mu.Unlock()
	return names
}

// Publish encodes the payload once per wire format and enqueues it on every
// current subscriber's send queue. Publishes to one channel are serialized,
// so subscribers observe them in acceptance order. Backpressure rejections
// are counted, not fatal.
func (m *Manager) Publish(name string, data any) (PublishResult, error) {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return PublishResult{}, ErrNotFound
	}
	m.mu.Unlock()

	frame := event.Frame{Event: event.Event{
		ID:      event.Publish,
		Payload: event.ChannelOp{Channel: name, Data: data}.Map(),
	}}

	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()

	// Snapshot membership under the table lock; enqueue outside it. A
	// subscriber added after the snapshot misses this publication, which
	// the ordering contract allows.
	m.mu.Lock()
	ids := make([]string, 0, len(ch.subscribers))
	for id := range ch.subscribers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var res PublishResult
	encoded := make(map[string][]byte)
	for _, id := range ids {
		peer, ok := m.cfg.Resolver.Peer(id)
		if !ok {
			continue
		}
		codec := peer.Codec()
		buf, ok := encoded[codec.Name()]
		if !ok {
			var err error
			buf, err = codec.Encode(frame.Pack())
			if err != nil {
				return res, fmt.Errorf("channel %q publish: %w", name, err)
			}
			encoded[codec.Name()] = buf
		}
		if err := peer.EnqueueEncoded(frame, buf); err != nil {
			res.Rejected++
			continue
		}
		res.Delivered++
	}
	return res, nil
}

// Close notifies every subscriber with chan-closed, unsubscribes them, and
// removes the channel.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	ids := make([]string, 0, len(ch.subscribers))
	for id := range ch.subscribers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.unlink(id, name)
	}
	delete(m.channels, name)
	m.mu.Unlock()

	for _, id := range ids {
		m.notify(id, event.Event{
			ID:      event.ChanClosed,
			Payload: event.ChannelOp{Channel: name}.Map(),
		})
	}
	m.cfg.Logger.Debug().Str("channel", name).Int("subscribers", len(ids)).Msg("channel closed")
	return nil
}

// Exists reports whether the channel is present.
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[name]
	return ok
}

// Subscribers returns the subscriber ids of a channel.
func (m *Manager) Subscribers(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ch.subscribers))
	for id := range ch.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// SubscriptionsOf returns the channel names a connection subscribes to.
func (m *Manager) SubscriptionsOf(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.subs[connID]))
	for name := range m.subs[connID] {
		names = append(names, name)
	}
	return names
}

// Names lists existing channels.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

func (m *Manager) notifyOK(connID, name string) {
	m.notify(connID, event.Event{
		ID:      event.SubOK,
		Payload: event.ChannelOp{Channel: name}.Map(),
	})
}

func (m *Manager) notifyErr(connID, name string, cause error) {
	m.notify(connID, event.Event{
		ID:      event.SubErr,
		Payload: event.ChannelOp{Channel: name, Data: cause.Error()}.Map(),
	})
}

// notify enqueues a back-notification; best effort, outside any critical
// section.
func (m *Manager) notify(connID string, ev event.Event) {
	peer, ok := m.cfg.Resolver.Peer(connID)
	if !ok {
		return
	}
	frame := event.Frame{Event: ev}
	data, err := peer.Codec().Encode(frame.Pack())
	if err != nil {
		m.cfg.Logger.Error().Err(err).Str("conn_id", connID).Str("event_id", string(ev.ID)).
			Msg("failed to encode channel notification")
		return
	}
	if err := peer.EnqueueEncoded(frame, data); err != nil {
		m.cfg.Logger.Debug().Err(err).Str("conn_id", connID).Str("event_id", string(ev.ID)).
			Msg("channel notification rejected")
	}
}
