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

// Package membership implements the MembershipView (spec.md §4.2): the
// diff engine that turns successive HeartbeatEngine snapshots into an
// ordered stream of peer_online, peer_offline and senior_changed events.
package membership

import (
	"bytes"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/heartbeat"
	"github.com/zgreplica/zg/peerid"
)

// EventKind identifies one of the three membership transitions spec.md
// §4.2 defines.
type EventKind int

// The three event kinds, emitted in the fixed per-tick ordering
// offline-before-online-before-senior-change.
const (
	PeerOnline EventKind = iota
	PeerOffline
	SeniorChanged
)

func (k EventKind) String() string {
	switch k {
	case PeerOnline:
		return "peer_online"
	case PeerOffline:
		return "peer_offline"
	case SeniorChanged:
		return "senior_changed"
	default:
		return "unknown"
	}
}

// Event is one membership transition.
type Event struct {
	Kind EventKind
	Peer peerid.ID        // valid for PeerOnline/PeerOffline
	Info heartbeat.ObservedPeer // valid for PeerOnline
	Old  peerid.ID        // valid for SeniorChanged
	New  peerid.ID        // valid for SeniorChanged
}

// View tracks the set of currently-online peers and the current senior,
// and emits the diff between one heartbeat.Snapshot and the next.
type View struct {
	peers         map[peerid.ID]heartbeat.ObservedPeer
	order         []peerid.ID
	senior        peerid.ID
	haveSenior    bool
	fullyAttached bool
}

// NewView returns an empty View; nothing is considered online until the
// first Apply call.
func NewView() *View {
	return &View{peers: make(map[peerid.ID]heartbeat.ObservedPeer)}
}

// Peers returns a snapshot copy of the currently-online peer set.
func (v *View) Peers() map[peerid.ID]heartbeat.ObservedPeer {
	out := make(map[peerid.ID]heartbeat.ObservedPeer, len(v.peers))
	for id, p := range v.peers {
		out[id] = p
	}
	return out
}

// Order returns the last converged ordered-peer list, or nil until the
// heartbeat engine first reports one (from its second attachment
// half-phase on).
func (v *View) Order() []peerid.ID {
	return append([]peerid.ID(nil), v.order...)
}

// Senior returns the current senior peer, if any full-peer is online.
func (v *View) Senior() (peerid.ID, bool) {
	return v.senior, v.haveSenior
}

// Apply diffs snap against the current view and returns the ordered
// events, per spec.md §4.2: all peer_offline events first (sorted by
// PeerId for determinism), then peer_online, then at most one
// senior_changed last. A peer whose non-transient content (system key,
// TCP port, peer type, attributes) changed while keeping the same PeerId
// is withdrawn and re-announced, not silently overwritten, so address-book
// state built from PeerOnline stays current. It mutates the view's
// internal state to match snap.
func (v *View) Apply(snap heartbeat.Snapshot) []Event {
	var events []Event

	offline := make([]peerid.ID, 0)
	for id, old := range v.peers {
		updated, ok := snap.Peers[id]
		if !ok || contentChanged(old, updated) {
			offline = append(offline, id)
		}
	}
	sort.Slice(offline, func(i, j int) bool { return offline[i].Less(offline[j]) })
	for _, id := range offline {
		delete(v.peers, id)
		events = append(events, Event{Kind: PeerOffline, Peer: id})
		log.Debugf("membership: peer %s went offline", id)
	}

	online := make([]peerid.ID, 0)
	for id, info := range snap.Peers {
		if _, ok := v.peers[id]; !ok {
			online = append(online, id)
		}
		v.peers[id] = info
	}
	sort.Slice(online, func(i, j int) bool { return online[i].Less(online[j]) })
	for _, id := range online {
		events = append(events, Event{Kind: PeerOnline, Peer: id, Info: v.peers[id]})
		log.Debugf("membership: peer %s came online", id)
	}

	v.fullyAttached = snap.FullyAttached
	if snap.Order != nil {
		v.order = append([]peerid.ID(nil), snap.Order...)
	}

	newSenior, haveSenior := seniorOf(v.order, v.peers)
	if haveSenior != v.haveSenior || newSenior != v.senior {
		events = append(events, Event{Kind: SeniorChanged, Old: v.senior, New: newSenior})
		log.Infof("membership: senior changed from %s to %s", v.senior, newSenior)
		v.senior = newSenior
		v.haveSenior = haveSenior
	}

	return events
}

// contentChanged reports whether the parts of an ObservedPeer that an
// application or the address book cares about differ between two
// heartbeat observations of the same PeerId. UptimeSeconds, FullyAttached
// and Addr are expected to vary every heartbeat and are not content for
// this purpose.
func contentChanged(old, updated heartbeat.ObservedPeer) bool {
	return old.SystemKey != updated.SystemKey ||
		old.TCPPort != updated.TCPPort ||
		old.PeerType != updated.PeerType ||
		!bytes.Equal(old.Attributes, updated.Attributes)
}

func seniorOf(order []peerid.ID, peers map[peerid.ID]heartbeat.ObservedPeer) (peerid.ID, bool) {
	for _, id := range order {
		if p, ok := peers[id]; ok && p.PeerType == codec.PeerTypeFullPeer {
			return id, true
		}
	}
	return peerid.Nil, false
}
