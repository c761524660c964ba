package mdns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugLowercasesAndHyphenatesSpaces(t *testing.T) {
	assert.Equal(t, "renogy-bt-proxy", slug("Renogy BT Proxy"))
}

func TestAnnounceAndWithdrawDoNotError(t *testing.T) {
	r, err := New(Config{IP: net.IPv4(192, 168, 1, 50)}, nil)
	if err != nil {
		t.Skipf("mdns: multicast unavailable in this environment: %v", err)
	}
	require.NoError(t, r.Announce("Renogy BT Proxy", 6053, map[string]string{
		"mac":     "AA:BB:CC:DD:EE:FF",
		"version": "1.0.0",
	}))

	r.mu.Lock()
	instance := r.instance
	hostname := r.hostname
	r.mu.Unlock()
	assert.Equal(t, "renogy-bt-proxy", instance)
	assert.Equal(t, "renogy-bt-proxy.local.", hostname)

	require.NoError(t, r.Withdraw())
}

func TestMatchesAnyQuestionRecognisesServiceAndHostNames(t *testing.T) {
	r := &Responder{instance: "renogy-bt-proxy", hostname: "renogy-bt-proxy.local."}
	assert.True(t, r.matchesAnyQuestion([]question{{Name: serviceType}}))
	assert.True(t, r.matchesAnyQuestion([]question{{Name: "renogy-bt-proxy." + serviceType}}))
	assert.True(t, r.matchesAnyQuestion([]question{{Name: "renogy-bt-proxy.local."}}))
	assert.False(t, r.matchesAnyQuestion([]question{{Name: "other._tcp.local."}}))
}
