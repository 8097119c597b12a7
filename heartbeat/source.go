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
	"net/netip"
	"time"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
)

// SourceKey is (remote-endpoint, PeerId), the unit of liveness spec.md §3
// defines: a given PeerId may be observed on several endpoints
// concurrently, one per local interface that reaches it, and each pair is
// tracked independently.
type SourceKey struct {
	Endpoint netip.AddrPort
	Peer     peerid.ID
}

// source is the engine's bookkeeping for one HeartbeatSource.
type source struct {
	key          SourceKey
	localTag     uint16 // which of our interfaces this source arrives on
	lastSeen     time.Time
	lastPacketID uint32
	lastBody     *codec.HeartbeatBody
	averager     *TimeAverager
}

func newSource(key SourceKey, localTag uint16, window int) *source {
	return &source{
		key:      key,
		localTag: localTag,
		averager: NewTimeAverager(window),
	}
}

func (s *source) touch(now time.Time, body *codec.HeartbeatBody) {
	s.lastSeen = now
	s.lastPacketID = body.PacketID
	s.lastBody = body
}

func (s *source) expired(now time.Time, timeout time.Duration) bool {
	if s.lastSeen.IsZero() {
		return false
	}
	return now.Sub(s.lastSeen) > timeout
}

// ObservedPeer is one PeerId currently believed online, merged across all
// of its sources, as reported to MembershipView and used by the kingmaker
// sort.
type ObservedPeer struct {
	ID            peerid.ID
	PeerType      uint16
	FullyAttached bool
	UptimeSeconds uint32
	TCPPort       uint16
	SystemKey     uint64
	Attributes    []byte      // decompressed peer_attributes
	Addr          netip.Addr  // source address of its heartbeats, for the TCP AddressBook
}
