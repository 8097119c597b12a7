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

// Package heartbeat implements the HeartbeatEngine (spec.md §4.1): sending
// and receiving compressed heartbeat datagrams, tracking online sources,
// maintaining round-trip-time averagers, computing the network-time
// offset, and producing the converged ordered-peer list.
package heartbeat

import (
	"fmt"
	"time"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/netiface"
	"github.com/zgreplica/zg/peerid"
)

// Settings is the immutable, heartbeat-relevant slice of the peer's
// overall configuration (spec.md §6).
type Settings struct {
	LocalPeerID   peerid.ID
	SystemKey     uint64
	TCPPort       uint16
	PeerType      uint16 // codec.PeerTypeFullPeer or codec.PeerTypeJuniorOnly
	CompatVersion uint32 // codec.CompatibilityVersion(library, application)

	HeartbeatsPerSecond           uint32
	HeartbeatsBeforeFullyAttached uint32
	MaxMissingHeartbeats          uint32

	// PeerAttributes is the opaque, not-yet-compressed application payload
	// broadcast in every heartbeat (spec.md §6). Must be <= 65535 bytes
	// after zlib compression.
	PeerAttributes []byte

	AveragerWindow int // default heartbeat.DefaultAveragerWindow
}

// DefaultSettings returns the spec.md §6 defaults.
func DefaultSettings() Settings {
	return Settings{
		PeerType:                      codec.PeerTypeFullPeer,
		HeartbeatsPerSecond:           6,
		HeartbeatsBeforeFullyAttached: 4,
		MaxMissingHeartbeats:          4,
		AveragerWindow:                DefaultAveragerWindow,
	}
}

// Validate checks that Settings is internally consistent.
func (s *Settings) Validate() error {
	if !s.LocalPeerID.IsValid() {
		return fmt.Errorf("heartbeat: local peer id must be valid")
	}
	if s.HeartbeatsPerSecond == 0 {
		return fmt.Errorf("heartbeat: heartbeats per second must be positive")
	}
	if s.HeartbeatsBeforeFullyAttached == 0 {
		return fmt.Errorf("heartbeat: heartbeats before fully attached must be positive")
	}
	if s.MaxMissingHeartbeats == 0 {
		return fmt.Errorf("heartbeat: max missing heartbeats must be positive")
	}
	return nil
}

// Interval is the time between outgoing heartbeats.
func (s *Settings) Interval() time.Duration {
	return time.Second / time.Duration(s.HeartbeatsPerSecond)
}

// ExpiryTimeout is how long a source may go unheard-from before it is
// declared offline (spec.md §4.1).
func (s *Settings) ExpiryTimeout() time.Duration {
	return time.Duration(s.MaxMissingHeartbeats) * s.Interval()
}

// HalfAttachPeriod is the number of intervals in each of the two startup
// phases (spec.md §4.1's "attachment phases").
func (s *Settings) HalfAttachPeriod() int {
	n := int(s.HeartbeatsBeforeFullyAttached) / 2
	if n == 0 {
		n = 1
	}
	return n
}

// Endpoints is the narrow surface the engine needs from
// netiface.Selector, kept as an interface so tests can substitute fakes.
type Endpoints interface {
	Endpoints(systemKey uint64, port uint16) ([]netiface.Endpoint, error)
}
