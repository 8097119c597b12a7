package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
)

func mustID(high, low uint64) peerid.ID { return peerid.ID{High: high, Low: low} }

func TestSortLocallyFullPeersFirst(t *testing.T) {
	a := mustID(1, 1) // junior, long uptime
	b := mustID(1, 2) // full, short uptime
	local := map[peerid.ID]ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeJuniorOnly, UptimeSeconds: 1000},
		b: {ID: b, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 1},
	}
	order := sortLocally(local)
	assert.Equal(t, []peerid.ID{b, a}, order)
}

func TestSortLocallyUptimeThenDescendingID(t *testing.T) {
	a := mustID(1, 1)
	b := mustID(1, 2)
	c := mustID(1, 3)
	local := map[peerid.ID]ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 100},
		b: {ID: b, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 100},
		c: {ID: c, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 50},
	}
	order := sortLocally(local)
	// a and b tie on uptime -- descending PeerId means b (higher) first.
	assert.Equal(t, []peerid.ID{b, a, c}, order)
}

func TestConvergeAdoptsKingmaker(t *testing.T) {
	a := mustID(1, 1)
	b := mustID(1, 2)
	c := mustID(1, 3)
	local := map[peerid.ID]ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 10},
		b: {ID: b, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 20},
		c: {ID: c, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 5},
	}
	// two candidates advertise the same peer set; the lower-PeerId sender wins.
	advertised := []AdvertisedList{
		{Sender: c, Order: []peerid.ID{c, b, a}},
		{Sender: a, Order: []peerid.ID{a, c, b}},
		{Sender: b, Order: []peerid.ID{b, a, c}}, // not a candidate kingmaker (not lowest), ignored
	}
	order := Converge(local, advertised)
	assert.Equal(t, []peerid.ID{a, c, b}, order)
}

func TestConvergeFallsBackWhenNoAgreement(t *testing.T) {
	a := mustID(1, 1)
	b := mustID(1, 2)
	local := map[peerid.ID]ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 10},
		b: {ID: b, PeerType: codec.PeerTypeFullPeer, UptimeSeconds: 20},
	}
	advertised := []AdvertisedList{
		{Sender: a, Order: []peerid.ID{a}}, // doesn't see the same set
	}
	order := Converge(local, advertised)
	assert.Equal(t, []peerid.ID{b, a}, order) // longer uptime first
}

func TestSeniorIsEarliestFullPeer(t *testing.T) {
	a := mustID(1, 1)
	b := mustID(1, 2)
	local := map[peerid.ID]ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeJuniorOnly},
		b: {ID: b, PeerType: codec.PeerTypeFullPeer},
	}
	senior, ok := Senior([]peerid.ID{a, b}, local)
	assert.True(t, ok)
	assert.Equal(t, b, senior)
}

func TestSeniorNoneWhenNoFullPeer(t *testing.T) {
	a := mustID(1, 1)
	local := map[peerid.ID]ObservedPeer{
		a: {ID: a, PeerType: codec.PeerTypeJuniorOnly},
	}
	_, ok := Senior([]peerid.ID{a}, local)
	assert.False(t, ok)
}
