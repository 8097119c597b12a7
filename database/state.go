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

package database

import (
	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
)

// FullResendUpdateID is the back_orders sentinel update id meaning "send
// the full database state instead of one log record" (spec.md §3).
const FullResendUpdateID = ^uint64(0)

// DefaultMaxLogBytes is the per-database log trim budget (spec.md §6).
const DefaultMaxLogBytes = 2 << 20

// BackOrderKey identifies one outstanding repair request (spec.md §3).
type BackOrderKey struct {
	TargetPeer    peerid.ID
	DatabaseIndex uint16
	UpdateID      uint64
}

// State is one DatabaseState: the replicated-log bookkeeping for a single
// database index, independent of whether this peer is senior or junior
// for it at any given moment (spec.md §3).
type State struct {
	Index  uint16
	Object Object

	LocalID        uint64
	SeniorID       uint64
	SeniorOldestID uint64
	SeniorReceived bool
	Checksum       uint32

	Log         map[uint64]*codec.UpdateRecord
	LogBytes    int
	MaxLogBytes int

	FirstUnsentID uint64
	BackOrders    map[BackOrderKey]struct{}
	RescanPending bool

	// TrimCount counts log records ever dropped by trim, exported via
	// Stats for the Prometheus registry (SPEC_FULL.md §2).
	TrimCount int
}

// NewState constructs a DatabaseState for a freshly-constructed Object,
// per spec.md §3's lifecycle: created once the application's
// DatabaseObject exists.
func NewState(index uint16, obj Object, maxLogBytes int) *State {
	if maxLogBytes <= 0 {
		maxLogBytes = DefaultMaxLogBytes
	}
	return &State{
		Index:          index,
		Object:         obj,
		SeniorOldestID: FullResendUpdateID, // "unknown" sentinel per spec.md §3
		Checksum:       obj.RunningChecksum(),
		Log:            make(map[uint64]*codec.UpdateRecord),
		MaxLogBytes:    maxLogBytes,
		FirstUnsentID:  1,
		BackOrders:     make(map[BackOrderKey]struct{}),
	}
}

// maxLogKey returns the highest key currently in the log, or 0 if empty.
func (s *State) maxLogKey() uint64 {
	var max uint64
	for id := range s.Log {
		if id > max {
			max = id
		}
	}
	return max
}

// minLogKey returns the lowest key currently in the log, or 0 if empty.
func (s *State) minLogKey() (uint64, bool) {
	var min uint64
	found := false
	for id := range s.Log {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}

// TargetID is target_id ≔ max(senior_id, max_log_key) (spec.md §3).
func (s *State) TargetID() uint64 {
	t := s.SeniorID
	if k := s.maxLogKey(); k > t {
		t = k
	}
	return t
}

// CaughtUp reports whether local_id == target_id.
func (s *State) CaughtUp() bool {
	return s.LocalID == s.TargetID()
}

func (s *State) hasFullResendOutstanding() bool {
	for k := range s.BackOrders {
		if k.UpdateID == FullResendUpdateID {
			return true
		}
	}
	return false
}

// trim enforces the two-policy-OR trim rule described in spec.md §3:
// payload bytes resident <= MaxLogBytes, and on senior never drop below
// the single most recent record; on junior never drop a record still
// needed (id > local_id and <= target_id) unless a full-resend is
// already in flight.
func (s *State) trim(isSenior bool) {
	for s.LogBytes > s.MaxLogBytes {
		oldest, ok := s.minLogKey()
		if !ok {
			return
		}
		if isSenior {
			if len(s.Log) <= 1 {
				return
			}
		} else if oldest > s.LocalID && !s.hasFullResendOutstanding() {
			return
		}
		rec := s.Log[oldest]
		delete(s.Log, oldest)
		s.LogBytes -= len(rec.Payload)
		s.TrimCount++
	}
}

// BeaconEntry builds this database's contribution to an outgoing
// BeaconRecord (senior only; spec.md §3, §4.4).
func (s *State) BeaconEntry() codec.DatabaseStateInfo {
	oldest, ok := s.minLogKey()
	if !ok {
		oldest = s.LocalID
	}
	return codec.DatabaseStateInfo{
		CurrentStateID:  s.LocalID,
		OldestRetained:  oldest,
		RunningChecksum: s.Checksum,
	}
}
