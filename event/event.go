// Package event defines the wire unit exchanged between tether peers: a
// tagged (id, payload) tuple, optionally wrapped with a reply correlation id.
package event

import (
	"fmt"
	"strings"
)

// ID identifies an event. Reserved protocol ids live under the "tether/"
// namespace and are never surfaced to application handlers, except channel
// publications, which the client delivers through its handler registry.
type ID string

// Reserved protocol event ids.
const (
	Handshake   ID = "tether/handshake"
	Ping        ID = "tether/ping"
	Pong        ID = "tether/pong"
	Subscribe   ID = "tether/subscribe"
	Unsubscribe ID = "tether/unsubscribe"
	Publish     ID = "tether/publish"
	Close       ID = "tether/close"

	// Back-notifications emitted by the channel manager.
	SubOK      ID = "tether/sub-ok"
	SubErr     ID = "tether/sub-err"
	ChanClosed ID = "tether/chan-closed"

	// Recv wraps user events when the server runs with WrapReceivedEvents,
	// matching the envelope shape of the predecessor API.
	Recv ID = "tether/recv"

	// SendErr notifies a peer that an inbound event was dropped by the
	// rate limiter. Malformed channel ops close the connection instead.
	SendErr ID = "tether/send-err"
)

// Wildcard matches every event id in the dispatch registry.
const Wildcard ID = "*"

const reservedPrefix = "tether/"

// Reserved reports whether the id belongs to the protocol itself.
func (id ID) Reserved() bool {
	return strings.HasPrefix(string(id), reservedPrefix)
}

// Event is the unit above the wire-format layer: a namespaced id and an
// arbitrary serializable payload.
type Event struct {
	ID      ID
	Payload any
}

// Frame is an Event plus an optional reply correlation id. A non-empty
// ReplyID on an outbound frame means the sender expects a correlated
// response; on an inbound frame it either correlates a response to a pending
// request or asks the receiver to reply.
type Frame struct {
	Event   Event
	ReplyID string
}

// Pack converts the frame to its generic wire shape:
//
//	[id, payload]               plain event
//	[[id, payload], reply-id]   reply form
//
// The result is handed to a wire.Codec for encoding.
func (f Frame) Pack() any {
	ev := []any{string(f.Event.ID), f.Event.Payload}
	if f.ReplyID == "" {
		return ev
	}
	return []any{ev, f.ReplyID}
}

// Unpack parses a decoded wire value back into a Frame. It accepts both the
// plain and the reply form produced by Pack.
func Unpack(v any) (Frame, error) {
	tup, ok := asTuple(v)
	if !ok || len(tup) != 2 {
		return Frame{}, fmt.Errorf("event: frame is not a 2-element tuple: %T", v)
	}

	// Reply form: first element is itself a tuple.
	if inner, ok := asTuple(tup[0]); ok {
		id, err := eventID(inner)
		if err != nil {
			return Frame{}, err
		}
		replyID, ok := tup[1].(string)
		if !ok || replyID == "" {
			return Frame{}, fmt.Errorf("event: reply id is not a non-empty string: %v", tup[1])
		}
		return Frame{Event: Event{ID: id, Payload: inner[1]}, ReplyID: replyID}, nil
	}

	id, err := eventID(tup)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: Event{ID: id, Payload: tup[1]}}, nil
}

func eventID(tup []any) (ID, error) {
	if len(tup) != 2 {
		return "", fmt.Errorf("event: event is not a 2-element tuple (len %d)", len(tup))
	}
	s, ok := tup[0].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("event: event id is not a non-empty string: %v", tup[0])
	}
	return ID(s), nil
}

// asTuple normalizes the slice shapes different codecs decode into.
func asTuple(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	default:
		return nil, false
	}
}
