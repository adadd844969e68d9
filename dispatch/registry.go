// Package dispatch implements the unified handler registry: persistent and
// one-shot handlers with predicate matching, deadlines, and terminal close
// notifications, plus the pending table backing request/response over the
// asynchronous transport.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/tether/event"
)

var (
	// ErrTimeout is the terminal result of a one-shot handler whose
	// deadline fired before a match.
	ErrTimeout = errors.New("dispatch: timed out")
	// ErrClosed is the terminal result delivered to one-shot handlers when
	// the owning transport closes.
	ErrClosed = errors.New("dispatch: closed")
)

// Callback receives a matched event, or a zero event with ErrTimeout or
// ErrClosed as the terminal notification of a one-shot handler.
type Callback func(ev event.Event, err error)

type predKind int

const (
	predExact predKind = iota
	predFunc
)

// Predicate selects the events a handler receives. The two native shapes
// are an exact event id (the wildcard id matches everything) and an
// arbitrary function over the decoded event.
type Predicate struct {
	kind predKind
	id   event.ID
	fn   func(event.Event) bool
}

// MatchID matches events whose id equals id; event.Wildcard matches all.
func MatchID(id event.ID) Predicate {
	return Predicate{kind: predExact, id: id}
}

// MatchFunc matches events for which fn returns true.
func MatchFunc(fn func(event.Event) bool) Predicate {
	return Predicate{kind: predFunc, fn: fn}
}

func (p Predicate) match(ev event.Event) bool {
	switch p.kind {
	case predExact:
		return p.id == event.Wildcard || p.id == ev.ID
	case predFunc:
		return p.fn != nil && p.fn(ev)
	default:
		return false
	}
}

type handler struct {
	id    string
	pred  Predicate
	once  bool
	cb    Callback
	timer *time.Timer
}

// Registry is an ordered collection of handlers dispatched against each
// decoded inbound event. Persistent handlers live until removed; one-shot
// handlers see exactly one terminal event: a match, a timeout, or a close
// notification.
type Registry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	handlers []*handler
	stopped  bool
	nextID   atomic.Int64
}

// NewRegistry builds an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a persistent handler and returns its id.
func (r *Registry) Register(pred Predicate, cb Callback) string {
	return r.add(pred, cb, false, 0)
}

// RegisterOnce adds a one-shot handler removed on first match. A positive
// timeout arms a deadline that fires the callback once with ErrTimeout.
// This is the entire RPC mechanism: match the response, or time out.
func (r *Registry) RegisterOnce(pred Predicate, timeout time.Duration, cb Callback) string {
	return r.add(pred, cb, true, timeout)
}

func (r *Registry) add(pred Predicate, cb Callback, once bool, timeout time.Duration) string {
	h := &handler{
		id:   fmt.Sprintf("h%d", r.nextID.Add(1)),
		pred: pred,
		once: once,
		cb:   cb,
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cb(event.Event{}, ErrClosed)
		return h.id
	}
	r.handlers = append(r.handlers, h)
	if once && timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() { r.expire(h) })
	}
	r.mu.Unlock()
	return h.id
}

// Remove deletes a handler by id and cancels its deadline. The callback is
// not invoked.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	h := r.unlink(id)
	r.mu.Unlock()
	if h == nil {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// unlink detaches the handler with the given id; the caller holds r.mu.
// Detachment is the claim: the party that unlinks a one-shot handler is the
// only one allowed to fire its terminal callback.
func (r *Registry) unlink(id string) *handler {
	for i, h := range r.handlers {
		if h.id == id {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			return h
		}
	}
	return nil
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Dispatch routes one decoded event through the registry. The handler set
// is snapshotted first: handlers registered during dispatch do not see the
// current event, handlers removed during dispatch still do if matched
// before the removal is observed. Callbacks run outside the critical
// section, so a callback may freely register or remove handlers.
func (r *Registry) Dispatch(ev event.Event) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	snapshot := make([]*handler, len(r.handlers))
	copy(snapshot, r.handlers)
	r.mu.Unlock()

	for _, h := range snapshot {
		if !h.pred.match(ev) {
			continue
		}
		if h.once {
			// Claim before invoking so a racing deadline cannot double-fire.
			r.mu.Lock()
			claimed := r.unlink(h.id) != nil
			r.mu.Unlock()
			if !claimed {
				continue
			}
			if h.timer != nil {
				h.timer.Stop()
			}
		} else {
			r.mu.Lock()
			live := r.contains(h.id)
			r.mu.Unlock()
			if !live {
				continue
			}
		}
		r.invoke(h, ev, nil)
	}
}

func (r *Registry) contains(id string) bool {
	for _, h := range r.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

func (r *Registry) expire(h *handler) {
	r.mu.Lock()
	claimed := r.unlink(h.id) != nil
	r.mu.Unlock()
	if !claimed {
		return
	}
	r.invoke(h, event.Event{}, ErrTimeout)
}

// CloseNotify delivers ErrClosed to every live one-shot handler exactly
// once. Persistent handlers are left intact for the next connection.
func (r *Registry) CloseNotify() {
	r.mu.Lock()
	var closing []*handler
	kept := r.handlers[:0]
	for _, h := range r.handlers {
		if h.once {
			closing = append(closing, h)
			continue
		}
		kept = append(kept, h)
	}
	r.handlers = kept
	r.mu.Unlock()

	for _, h := range closing {
		if h.timer != nil {
			h.timer.Stop()
		}
		r.invoke(h, event.Event{}, ErrClosed)
	}
}

// Stop is terminal: outstanding one-shot handlers receive ErrClosed, every
// handler is dropped, and no callback runs afterwards.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	all := r.handlers
	r.handlers = nil
	r.mu.Unlock()

	for _, h := range all {
		if h.timer != nil {
			h.timer.Stop()
		}
		if h.once {
			r.invoke(h, event.Event{}, ErrClosed)
		}
	}
}

// invoke shields dispatch from handler panics: caught, logged, never
// propagated to other handlers.
func (r *Registry) invoke(h *handler, ev event.Event, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("handler_id", h.id).
				Str("event_id", string(ev.ID)).
				Interface("panic", rec).
				Msg("handler callback panicked")
		}
	}()
	h.cb(ev, err)
}
