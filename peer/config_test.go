package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zgreplica/zg/codec"
)

func TestConfigValidateRequiresSignatureAndSystemName(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())

	cfg.Signature = "zg"
	assert.Error(t, cfg.Validate())

	cfg.SystemName = "choir"
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsUnknownPeerType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signature, cfg.SystemName = "zg", "choir"
	cfg.PeerType = 77
	assert.Error(t, cfg.Validate())
}

func TestConfigWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := Config{Signature: "zg", SystemName: "choir", PeerType: codec.PeerTypeFullPeer}
	filled := cfg.withDefaults()
	assert.Equal(t, uint32(6), filled.HeartbeatsPerSecond)
	assert.Equal(t, uint32(4), filled.HeartbeatsBeforeFullyAttached)
	assert.Equal(t, uint32(4), filled.MaxMissingHeartbeats)
	assert.Equal(t, uint32(4), filled.BeaconsPerSecond)
	assert.Equal(t, 2<<20, filled.MaxUpdateLogBytesPerDB)
	assert.NotZero(t, filled.PortBase)
	assert.Equal(t, ":0", filled.TCPListenAddr)
}
