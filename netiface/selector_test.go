package netiface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMulticastAddressDiffersByPort(t *testing.T) {
	a := MulticastAddress(12345, HeartbeatPort(DefaultPortBase))
	b := MulticastAddress(12345, DataPort(DefaultPortBase))
	assert.NotEqual(t, a, b)
	assert.True(t, a.Is6())
	assert.True(t, a.IsLinkLocalMulticast())
}

func TestMulticastAddressDiffersBySystemKey(t *testing.T) {
	a := MulticastAddress(1, 41881)
	b := MulticastAddress(2, 41881)
	assert.NotEqual(t, a, b)
}

func TestMulticastAddressDeterministic(t *testing.T) {
	a := MulticastAddress(999, 41882)
	b := MulticastAddress(999, 41882)
	assert.Equal(t, a, b)
}

func TestHeartbeatAndDataPortsDiffer(t *testing.T) {
	assert.NotEqual(t, HeartbeatPort(DefaultPortBase), DataPort(DefaultPortBase))
	assert.Equal(t, uint16(DefaultPortBase+1), HeartbeatPort(DefaultPortBase))
	assert.Equal(t, uint16(DefaultPortBase+2), DataPort(DefaultPortBase))
}

func TestLooksWireless(t *testing.T) {
	assert.True(t, looksWireless("wlan0"))
	assert.True(t, looksWireless("wl0"))
	assert.False(t, looksWireless("eth0"))
	assert.False(t, looksWireless("lo"))
}
