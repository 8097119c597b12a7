package heartbeat

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/netiface"
	"github.com/zgreplica/zg/peerid"
	"github.com/zgreplica/zg/timebase"
)

// fakeEndpoints hands back a fixed, pre-built endpoint list, letting tests
// drive Engine without opening real sockets.
type fakeEndpoints struct {
	endpoints []netiface.Endpoint
	err       error
}

func (f *fakeEndpoints) Endpoints(systemKey uint64, port uint16) ([]netiface.Endpoint, error) {
	return f.endpoints, f.err
}

// fakeEndpoint is an in-memory netiface.Endpoint: SendTo pushes onto the
// sent channel, RecvFrom blocks on a channel tests can feed.
type fakeEndpoint struct {
	iface netiface.Interface
	tag   uint16
	sent  chan []byte
	recv  chan []byte
	from  netip.AddrPort
	done  chan struct{}
}

func newFakeEndpoint(tag uint16) *fakeEndpoint {
	return &fakeEndpoint{
		iface: netiface.Interface{Name: "fake0", Index: int(tag)},
		tag:   tag,
		sent:  make(chan []byte, 16),
		recv:  make(chan []byte, 16),
		from:  netip.MustParseAddrPort("[fe80::1]:41881"),
		done:  make(chan struct{}),
	}
}

func (e *fakeEndpoint) Interface() netiface.Interface { return e.iface }
func (e *fakeEndpoint) Tag() uint16                   { return e.tag }
func (e *fakeEndpoint) SendTo(b []byte) error {
	e.sent <- append([]byte(nil), b...)
	return nil
}
func (e *fakeEndpoint) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case data := <-e.recv:
		n := copy(buf, data)
		return n, e.from, nil
	case <-e.done:
		return 0, netip.AddrPort{}, errClosed
	}
}
func (e *fakeEndpoint) Close() error {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	return nil
}

var errClosed = assertErr("fake endpoint closed")

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestPeerID() peerid.ID {
	id, err := peerid.New()
	if err != nil {
		panic(err)
	}
	return id
}

func testSettings(id peerid.ID) Settings {
	s := DefaultSettings()
	s.LocalPeerID = id
	s.SystemKey = 0xAABBCCDD
	s.TCPPort = 4242
	s.CompatVersion = codec.CompatibilityVersion(1, 1)
	s.HeartbeatsPerSecond = 100 // fast ticks for tests
	return s
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, err := New(Settings{}, &fakeEndpoints{}, timebase.New())
	assert.Error(t, err)
}

func TestEngineSendsHeartbeatsOnEachEndpoint(t *testing.T) {
	id := newTestPeerID()
	ep := newFakeEndpoint(1)
	e, err := New(testSettings(id), &fakeEndpoints{endpoints: []netiface.Endpoint{ep}}, timebase.New())
	require.NoError(t, err)
	require.NoError(t, e.Start(41881))
	defer e.Stop()

	select {
	case raw := <-ep.sent:
		body, _, err := codec.DecodeHeartbeat(raw)
		require.NoError(t, err)
		assert.Equal(t, id, body.Peer)
		assert.Equal(t, uint64(0xAABBCCDD), body.SystemKey)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing heartbeat")
	}
}

func TestEngineTracksInboundSource(t *testing.T) {
	localID := newTestPeerID()
	remoteID := newTestPeerID()
	ep := newFakeEndpoint(1)
	e, err := New(testSettings(localID), &fakeEndpoints{endpoints: []netiface.Endpoint{ep}}, timebase.New())
	require.NoError(t, err)
	require.NoError(t, e.Start(41881))
	defer e.Stop()

	remoteBody := &codec.HeartbeatBody{
		PacketID:      1,
		CompatVersion: e.settings.CompatVersion,
		SystemKey:     e.settings.SystemKey,
		Peer:          remoteID,
		PeerType:      codec.PeerTypeFullPeer,
		UptimeSeconds: 5,
	}
	raw, err := codec.EncodeHeartbeat(remoteBody, 9, 0)
	require.NoError(t, err)
	ep.recv <- raw

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-e.Snapshots():
			if _, ok := snap.Peers[remoteID]; ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for remote peer to appear in snapshot")
		}
	}
}

func TestSentRingLookup(t *testing.T) {
	r := newSentRing(3)
	now := time.Now()
	r.record(1, now)
	r.record(2, now.Add(time.Millisecond))
	r.record(3, now.Add(2*time.Millisecond))
	r.record(4, now.Add(3*time.Millisecond)) // evicts id 1

	_, ok := r.lookup(1)
	assert.False(t, ok)
	got, ok := r.lookup(4)
	require.True(t, ok)
	assert.Equal(t, now.Add(3*time.Millisecond), got)
}

func TestBuildOrderedPeerEntriesSkipsSelf(t *testing.T) {
	localID := newTestPeerID()
	remoteID := newTestPeerID()
	e := &Engine{
		settings: testSettings(localID),
		sources:  make(map[SourceKey]*source),
	}
	key := SourceKey{Peer: remoteID}
	s := newSource(key, 2, DefaultAveragerWindow)
	s.touch(time.Now(), &codec.HeartbeatBody{Peer: remoteID, PacketID: 7})
	e.sources[key] = s

	entries := e.buildOrderedPeerEntries([]peerid.ID{localID, remoteID}, time.Now())
	require.Len(t, entries, 1)
	assert.Equal(t, remoteID, entries[0].Peer)
	require.Len(t, entries[0].Timings, 1)
	assert.Equal(t, uint32(7), entries[0].Timings[0].PacketID)
}
