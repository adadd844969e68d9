package event

import "fmt"

// HandshakePayload builds the handshake vector sent by the server after a
// successful upgrade: [uid, csrf-token, handshake-data, first?]. The csrf
// slot is reserved for future validation and is transmitted as nil.
func HandshakePayload(uid string, data any, first bool) []any {
	return []any{uid, nil, data, first}
}

// ParseHandshake pulls the session uid, opaque handshake data and the first?
// flag out of a decoded handshake payload.
func ParseHandshake(payload any) (uid string, data any, first bool, err error) {
	tup, ok := asTuple(payload)
	if !ok || len(tup) != 4 {
		return "", nil, false, fmt.Errorf("event: handshake payload is not a 4-element vector: %v", payload)
	}
	uid, ok = tup[0].(string)
	if !ok || uid == "" {
		return "", nil, false, fmt.Errorf("event: handshake uid is not a non-empty string: %v", tup[0])
	}
	first, _ = tup[3].(bool)
	return uid, tup[2], first, nil
}

// ChannelOp is the payload of the subscribe/unsubscribe/publish ops and of
// the channel back-notifications.
type ChannelOp struct {
	Channel string
	Data    any
}

// Map renders the op in its wire shape.
func (op ChannelOp) Map() map[string]any {
	m := map[string]any{"channel": op.Channel}
	if op.Data != nil {
		m["data"] = op.Data
	}
	return m
}

// ParseChannelOp reads a channel op payload. String-keyed and generic-keyed
// maps are both accepted because codecs differ in how they decode map keys.
func ParseChannelOp(payload any) (ChannelOp, error) {
	var op ChannelOp
	switch m := payload.(type) {
	case map[string]any:
		op.Channel, _ = m["channel"].(string)
		op.Data = m["data"]
	case map[any]any:
		op.Channel, _ = m["channel"].(string)
		op.Data = m["data"]
	default:
		return ChannelOp{}, fmt.Errorf("event: channel op payload is not a map: %T", payload)
	}
	if op.Channel == "" {
		return ChannelOp{}, fmt.Errorf("event: channel op payload has no channel name")
	}
	return op, nil
}

// PingTimestamp extracts the millisecond timestamp carried by ping/pong
// events. Codecs decode integers differently (float64 for JSON, int64 for
// EDN and Transit), so all numeric shapes are accepted.
func PingTimestamp(payload any) (int64, bool) {
	switch n := payload.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
