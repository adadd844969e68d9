package natsbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectToChannel(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{"tether.token.BTC", "token.BTC"},
		{"tether.user.alice", "user.alice"},
		{"tether.global", "global"},
		{"other.token.BTC", ""},
		{"tether.", ""},
		{"tether", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SubjectToChannel("tether", tc.subject), "subject %q", tc.subject)
	}
}

func TestChannelToSubjectInverts(t *testing.T) {
	for _, ch := range []string{"token.BTC", "user.alice", "global"} {
		subject := ChannelToSubject("tether", ch)
		assert.Equal(t, ch, SubjectToChannel("tether", subject))
	}
	assert.Equal(t, "", ChannelToSubject("tether", "bad channel name"))
}

func TestIsValidChannel(t *testing.T) {
	assert.True(t, IsValidChannel("token.BTC-123"))
	assert.True(t, IsValidChannel("a.b.c"))
	assert.False(t, IsValidChannel(""))
	assert.False(t, IsValidChannel("has space"))
	assert.False(t, IsValidChannel("trailing."))
}

func TestSubscriptionPattern(t *testing.T) {
	assert.Equal(t, "tether.>", SubscriptionPattern("tether"))
}
