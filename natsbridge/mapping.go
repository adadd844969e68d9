// Package natsbridge republishes NATS subjects into local tether channels.
// The bridge is an ingest edge: channel state stays in-memory and
// process-local, and the bridge acts like any other publisher.
package natsbridge

import (
	"regexp"
	"strings"
)

// Channel name validation. A bridge-fed channel name is one or more
// dot-separated tokens of letters, digits, '_' and '-' (e.g. "token.BTC",
// "global").
var channelPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+(\.[a-zA-Z0-9_-]+)*$`)

// SubjectToChannel converts a NATS subject to a channel name by stripping
// the configured prefix: "<prefix>.token.BTC" → "token.BTC". Returns ""
// for subjects outside the prefix or with invalid channel shapes.
func SubjectToChannel(prefix, subject string) string {
	if !strings.HasPrefix(subject, prefix+".") {
		return ""
	}
	channel := strings.TrimPrefix(subject, prefix+".")
	if !IsValidChannel(channel) {
		return ""
	}
	return channel
}

// ChannelToSubject inverts SubjectToChannel.
func ChannelToSubject(prefix, channel string) string {
	if !IsValidChannel(channel) {
		return ""
	}
	return prefix + "." + channel
}

// IsValidChannel checks a channel name against the naming convention.
func IsValidChannel(channel string) bool {
	return channel != "" && channelPattern.MatchString(channel)
}

// SubscriptionPattern returns the wildcard subject covering every bridged
// channel under the prefix.
func SubscriptionPattern(prefix string) string {
	return prefix + ".>"
}
