package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgreplica/zg/peerid"
)

func TestCompatibilityVersionRoundTrip(t *testing.T) {
	v := CompatibilityVersion(3, 42)
	lib, app := SplitCompatibilityVersion(v)
	assert.Equal(t, uint16(3), lib)
	assert.Equal(t, uint16(42), app)
}

func TestSystemKeyDeterministic(t *testing.T) {
	a := SystemKey("MyApp", "prod")
	b := SystemKey("MyApp", "prod")
	c := SystemKey("MyApp", "staging")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	orig := []byte("the quick brown fox jumps over the lazy dog, repeatedly, repeatedly, repeatedly")
	compressed, err := Deflate(orig)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(orig)+64)

	back, err := Inflate(compressed)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}

func TestHeartbeatBodyRoundTrip(t *testing.T) {
	peer, err := peerid.New()
	require.NoError(t, err)
	other, err := peerid.New()
	require.NoError(t, err)

	attrs, err := Deflate([]byte(`{"role":"worker"}`))
	require.NoError(t, err)

	body := &HeartbeatBody{
		PacketID:      7,
		CompatVersion: CompatibilityVersion(1, 1),
		SystemKey:     SystemKey("sig", "sys"),
		TCPPort:       41882,
		UptimeSeconds: 123,
		Peer:          peer,
		PeerType:      PeerTypeFullPeer,
		FullyAttached: true,
		OrderedPeers: []OrderedPeerEntry{
			{
				Peer: other,
				Timings: []OrderedPeerTiming{
					{SourceTag: 1, PacketID: 99, DwellMicros: 42},
				},
			},
		},
		CompressedAttributes: attrs,
	}

	flat, err := body.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalHeartbeatBody(flat)
	require.NoError(t, err)

	assert.Equal(t, body.PacketID, parsed.PacketID)
	assert.Equal(t, body.Peer, parsed.Peer)
	assert.True(t, parsed.FullyAttached)
	assert.Equal(t, PeerTypeFullPeer, parsed.PeerType)
	require.Len(t, parsed.OrderedPeers, 1)
	assert.Equal(t, other, parsed.OrderedPeers[0].Peer)
	assert.Equal(t, body.OrderedPeers[0].Timings, parsed.OrderedPeers[0].Timings)
	assert.Equal(t, attrs, parsed.CompressedAttributes)
}

func TestHeartbeatBodyTrailingBytesTolerated(t *testing.T) {
	peer, err := peerid.New()
	require.NoError(t, err)
	body := &HeartbeatBody{Peer: peer}
	flat, err := body.Marshal()
	require.NoError(t, err)

	flat = append(flat, 0xDE, 0xAD, 0xBE, 0xEF)
	parsed, err := UnmarshalHeartbeatBody(flat)
	require.NoError(t, err)
	assert.Equal(t, peer, parsed.Peer)
}

func TestHeartbeatBodyRejectsBadTag(t *testing.T) {
	_, err := UnmarshalHeartbeatBody([]byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeDecodeHeartbeatDatagram(t *testing.T) {
	peer, err := peerid.New()
	require.NoError(t, err)
	body := &HeartbeatBody{Peer: peer, PacketID: 3}

	raw, err := EncodeHeartbeat(body, 2, 1234567890)
	require.NoError(t, err)

	parsedBody, datagram, err := DecodeHeartbeat(raw)
	require.NoError(t, err)
	assert.Equal(t, body.Peer, parsedBody.Peer)
	assert.Equal(t, uint16(2), datagram.SourceTag)
	assert.Equal(t, uint64(1234567890), datagram.NetworkTimeAtSend)
}

func TestDecodeHeartbeatRejectsChecksumTamper(t *testing.T) {
	peer, err := peerid.New()
	require.NoError(t, err)
	raw, err := EncodeHeartbeat(&HeartbeatBody{Peer: peer}, 0, 0)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF // flip a bit deep in the compressed body
	_, _, err = DecodeHeartbeat(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBeaconRecordRoundTrip(t *testing.T) {
	rec := &BeaconRecord{Entries: []DatabaseStateInfo{
		{CurrentStateID: 100, OldestRetained: 50, RunningChecksum: 0xCAFEBABE},
		{CurrentStateID: 5, OldestRetained: 5, RunningChecksum: 0},
	}}
	flat := rec.Marshal()
	parsed, err := UnmarshalBeaconRecord(flat)
	require.NoError(t, err)
	assert.Equal(t, rec.Entries, parsed.Entries)
}

func TestUpdateRecordRoundTrip(t *testing.T) {
	src, err := peerid.New()
	require.NoError(t, err)
	rec := &UpdateRecord{
		Type:               UpdateUpdate,
		DatabaseIndex:      1,
		SeniorElapsedMs:    12,
		SeniorStartNetTime: 99,
		Source:             src,
		UpdateID:           42,
		PreChecksum:        1,
		PostChecksum:       2,
		Payload:            []byte("delta"),
	}
	rec.SelfChecksum = rec.ComputeSelfChecksum()

	flat, err := rec.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalUpdateRecord(flat)
	require.NoError(t, err)
	assert.Equal(t, rec.Type, parsed.Type)
	assert.Equal(t, rec.UpdateID, parsed.UpdateID)
	assert.Equal(t, rec.Payload, parsed.Payload)
	assert.Equal(t, rec.SelfChecksum, parsed.SelfChecksum)
}
