/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package heartbeat

import (
	"sort"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
)

// AdvertisedList is one remote peer's most recently heard ordered-peer
// list, as carried in its own heartbeats.
type AdvertisedList struct {
	Sender peerid.ID
	Order  []peerid.ID
}

// sameSet reports whether order, treated as a set, equals want.
func sameSet(order []peerid.ID, want map[peerid.ID]struct{}) bool {
	if len(order) != len(want) {
		return false
	}
	for _, id := range order {
		if _, ok := want[id]; !ok {
			return false
		}
	}
	return true
}

// Converge implements spec.md §4.1's "kingmaker" ordered-peer list
// convergence: if some peer P's advertised list contains exactly the peer
// set we currently see, and P has the lowest PeerId among all such
// candidates, we adopt P's ordering verbatim. Otherwise we sort locally:
// full-peer types precede junior-only; within a type, longer uptime
// precedes shorter; ties broken by descending PeerId.
func Converge(local map[peerid.ID]ObservedPeer, advertised []AdvertisedList) []peerid.ID {
	want := make(map[peerid.ID]struct{}, len(local))
	for id := range local {
		want[id] = struct{}{}
	}

	var kingmaker *AdvertisedList
	for i := range advertised {
		cand := &advertised[i]
		if !sameSet(cand.Order, want) {
			continue
		}
		if kingmaker == nil || cand.Sender.Less(kingmaker.Sender) {
			kingmaker = cand
		}
	}
	if kingmaker != nil {
		out := make([]peerid.ID, len(kingmaker.Order))
		copy(out, kingmaker.Order)
		return out
	}

	return sortLocally(local)
}

// sortLocally applies the tie-break rules directly, used whenever no
// kingmaker candidate's view agrees with ours.
func sortLocally(local map[peerid.ID]ObservedPeer) []peerid.ID {
	peers := make([]ObservedPeer, 0, len(local))
	for _, p := range local {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		aFull := a.PeerType == codec.PeerTypeFullPeer
		bFull := b.PeerType == codec.PeerTypeFullPeer
		if aFull != bFull {
			return aFull // full peers precede junior-only peers
		}
		if a.UptimeSeconds != b.UptimeSeconds {
			return a.UptimeSeconds > b.UptimeSeconds // longer uptime precedes shorter
		}
		return b.ID.Less(a.ID) // descending PeerId
	})

	out := make([]peerid.ID, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

// Senior returns the senior peer from an ordered-peer list: the earliest
// full-peer entry. It returns peerid.Nil, false if no full-peer is
// present (spec.md §3's invariant).
func Senior(order []peerid.ID, local map[peerid.ID]ObservedPeer) (peerid.ID, bool) {
	for _, id := range order {
		if p, ok := local[id]; ok && p.PeerType == codec.PeerTypeFullPeer {
			return id, true
		}
	}
	return peerid.Nil, false
}
