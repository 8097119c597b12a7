package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/heartbeat"
	"github.com/zgreplica/zg/peerid"
)

func mustID(high, low uint64) peerid.ID { return peerid.ID{High: high, Low: low} }

func TestApplyEmitsOnlineForNewPeers(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	events := v.Apply(heartbeat.Snapshot{
		Peers: map[peerid.ID]heartbeat.ObservedPeer{
			a: {ID: a, PeerType: codec.PeerTypeFullPeer},
		},
		Order: []peerid.ID{a},
	})
	require.Len(t, events, 2) // peer_online + senior_changed
	assert.Equal(t, PeerOnline, events[0].Kind)
	assert.Equal(t, a, events[0].Peer)
	assert.Equal(t, SeniorChanged, events[1].Kind)
	assert.Equal(t, a, events[1].New)
}

func TestApplyEmitsOfflineBeforeOnline(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	b := mustID(1, 2)
	v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer},
	}, Order: []peerid.ID{a}})

	events := v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		b: {ID: b, PeerType: codec.PeerTypeFullPeer},
	}, Order: []peerid.ID{b}})
	require.Len(t, events, 3)
	assert.Equal(t, PeerOffline, events[0].Kind)
	assert.Equal(t, a, events[0].Peer)
	assert.Equal(t, PeerOnline, events[1].Kind)
	assert.Equal(t, b, events[1].Peer)
	assert.Equal(t, SeniorChanged, events[2].Kind)
}

func TestApplyNoSeniorChangeWhenSameSeniorStays(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	b := mustID(1, 2)
	v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer},
	}, Order: []peerid.ID{a}})

	events := v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer},
		b: {ID: b, PeerType: codec.PeerTypeJuniorOnly},
	}, Order: []peerid.ID{a, b}})

	require.Len(t, events, 1)
	assert.Equal(t, PeerOnline, events[0].Kind)
	assert.Equal(t, b, events[0].Peer)
}

func TestApplySeniorChangedWhenSeniorGoesOffline(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	b := mustID(1, 2)
	v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer},
		b: {ID: b, PeerType: codec.PeerTypeFullPeer},
	}, Order: []peerid.ID{a, b}})

	events := v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		b: {ID: b, PeerType: codec.PeerTypeFullPeer},
	}, Order: []peerid.ID{b}})

	require.Len(t, events, 2)
	assert.Equal(t, PeerOffline, events[0].Kind)
	assert.Equal(t, a, events[0].Peer)
	assert.Equal(t, SeniorChanged, events[1].Kind)
	assert.Equal(t, a, events[1].Old)
	assert.Equal(t, b, events[1].New)

	senior, ok := v.Senior()
	require.True(t, ok)
	assert.Equal(t, b, senior)
}

func TestApplyReannouncesPeerWhoseContentChanged(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, TCPPort: 4000},
	}, Order: []peerid.ID{a}})

	events := v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, TCPPort: 4001},
	}, Order: []peerid.ID{a}})

	require.Len(t, events, 2)
	assert.Equal(t, PeerOffline, events[0].Kind)
	assert.Equal(t, a, events[0].Peer)
	assert.Equal(t, PeerOnline, events[1].Kind)
	assert.Equal(t, a, events[1].Peer)
	assert.EqualValues(t, 4001, events[1].Info.TCPPort)
}

func TestApplyNoEventsWhenOnlyTransientFieldsChange(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 1},
	}, Order: []peerid.ID{a}})

	events := v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 2, FullyAttached: true},
	}, Order: []peerid.ID{a}})

	assert.Empty(t, events)
}

func TestApplyNoSeniorWhenOnlyJuniors(t *testing.T) {
	v := NewView()
	a := mustID(1, 1)
	events := v.Apply(heartbeat.Snapshot{Peers: map[peerid.ID]heartbeat.ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeJuniorOnly},
	}, Order: []peerid.ID{a}})

	require.Len(t, events, 1)
	assert.Equal(t, PeerOnline, events[0].Kind)
	_, ok := v.Senior()
	assert.False(t, ok)
}
