package acl

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyRulesetAllowsEveryone(t *testing.T) {
	checker, err := Parse(nil)
	require.NoError(t, err)

	assert.True(t, checker.Empty())
	assert.True(t, checker.Allow(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, checker.Allow(netip.MustParseAddr("2001:db8::1")))
}

func TestFirstMatchWins(t *testing.T) {
	checker, err := Parse([]string{
		"deny 192.168.1.7",
		"allow 192.168.0.0/16",
	})
	require.NoError(t, err)

	assert.False(t, checker.Allow(netip.MustParseAddr("192.168.1.7")))
	assert.True(t, checker.Allow(netip.MustParseAddr("192.168.1.8")))
}

func TestUnmatchedDeniedWhenAllowRuleExists(t *testing.T) {
	checker, err := Parse([]string{"allow 127.0.0.1"})
	require.NoError(t, err)

	assert.True(t, checker.Allow(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, checker.Allow(netip.MustParseAddr("10.0.0.1")))
}

func TestUnmatchedAllowedWithDenyOnlyRules(t *testing.T) {
	checker, err := Parse([]string{"deny 10.0.0.0/8"})
	require.NoError(t, err)

	assert.False(t, checker.Allow(netip.MustParseAddr("10.9.9.9")))
	assert.True(t, checker.Allow(netip.MustParseAddr("172.16.0.1")))
}

func TestMappedIPv4(t *testing.T) {
	checker, err := Parse([]string{"allow 127.0.0.1"})
	require.NoError(t, err)

	assert.True(t, checker.Allow(netip.MustParseAddr("::ffff:127.0.0.1")))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"missing target", "allow"},
		{"bad action", "permit 127.0.0.1"},
		{"bad address", "allow not-an-ip"},
		{"bad cidr", "deny 10.0.0.0/99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]string{tt.rule})
			assert.Error(t, err)
		})
	}
}
