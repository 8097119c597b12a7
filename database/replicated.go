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
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
	"github.com/zgreplica/zg/timebase"
)

// Errors matching the error-kind taxonomy of spec.md §7.
var (
	ErrUnknownSenior    = errors.New("database: no senior is currently known")
	ErrDatabaseRefused  = errors.New("database: application refused the request")
	ErrChecksumMismatch = errors.New("database: checksum mismatch")
)

// Transport is the narrow surface ReplicatedDatabase needs from
// PacketTransport (spec.md §4.5): multicasting log records and beacons,
// and driving the back-order RPC.
type Transport interface {
	MulticastUpdate(rec *codec.UpdateRecord) bool
	MulticastBeacon(rec *codec.BeaconRecord) bool
	RequestBackOrder(senior peerid.ID, databaseIndex uint16, updateID uint64) error
	SendRequestToSenior(senior peerid.ID, databaseIndex uint16, updateType codec.UpdateType, payload []byte) error
}

// Membership is the narrow surface ReplicatedDatabase needs from
// MembershipView: who we are and who, if anyone, is senior.
type Membership interface {
	LocalPeerID() peerid.ID
	Senior() (peerid.ID, bool)
}

// ReplicatedDatabase is one instance per database index, owned by the
// peer (spec.md §4.4).
type ReplicatedDatabase struct {
	mu         sync.Mutex
	state      *State
	transport  Transport
	membership Membership
	tb         *timebase.Base
}

// New constructs a ReplicatedDatabase around a freshly-built Object.
func New(index uint16, obj Object, maxLogBytes int, transport Transport, membership Membership, tb *timebase.Base) *ReplicatedDatabase {
	return &ReplicatedDatabase{
		state:      NewState(index, obj, maxLogBytes),
		transport:  transport,
		membership: membership,
		tb:         tb,
	}
}

// CurrentStateID returns local_id.
func (r *ReplicatedDatabase) CurrentStateID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.LocalID
}

// LogContains reports whether id is present in the log.
func (r *ReplicatedDatabase) LogContains(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.state.Log[id]
	return ok
}

// PayloadOf returns the payload of log record id, if present.
func (r *ReplicatedDatabase) PayloadOf(id uint64) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.Log[id]
	if !ok {
		return nil, false
	}
	return rec.Payload, true
}

// LogRecord returns the stored record for id, if this peer still retains
// it, for answering a peer's back-order request (spec.md §4.5).
func (r *ReplicatedDatabase) LogRecord(id uint64) (*codec.UpdateRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.Log[id]
	return rec, ok
}

// FullResendRecord serializes the current Object state as the reply to a
// FullResendUpdateID back-order request (spec.md §3).
func (r *ReplicatedDatabase) FullResendRecord() (*codec.UpdateRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	archive, err := r.state.Object.SaveToArchive()
	if err != nil {
		return nil, fmt.Errorf("database[%d]: full-resend archive: %w", r.state.Index, err)
	}
	return &codec.UpdateRecord{
		Type:          codec.UpdateReplace,
		DatabaseIndex: r.state.Index,
		UpdateID:      r.state.LocalID,
		PostChecksum:  r.state.Checksum,
		Payload:       archive,
	}, nil
}

// Stats is a point-in-time diagnostic snapshot of one database, exported
// via Snapshot for the Prometheus registry (SPEC_FULL.md §2, grounded on
// original_source/include/zg/private/PZGDatabaseState.h's _logBytes/
// _logMillis bookkeeping).
type Stats struct {
	Index          uint16
	CurrentStateID uint64
	LogBytes       int
	BackOrderCount int
	TrimCount      int
}

// Snapshot returns the current Stats for this database.
func (r *ReplicatedDatabase) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Index:          r.state.Index,
		CurrentStateID: r.state.LocalID,
		LogBytes:       r.state.LogBytes,
		BackOrderCount: len(r.state.BackOrders),
		TrimCount:      r.state.TrimCount,
	}
}

func (r *ReplicatedDatabase) isSenior() bool {
	senior, ok := r.membership.Senior()
	return ok && senior == r.membership.LocalPeerID()
}

// RequestReset mirrors spec.md §4.4: senior applies locally, junior sends
// a unicast request.
func (r *ReplicatedDatabase) RequestReset() error {
	return r.request(codec.UpdateReset, nil)
}

// RequestReplace carries a full serialized state.
func (r *ReplicatedDatabase) RequestReplace(newState []byte) error {
	return r.request(codec.UpdateReplace, newState)
}

// RequestUpdate carries an application-defined delta; the senior's
// ApplySenior may transform it before logging.
func (r *ReplicatedDatabase) RequestUpdate(delta []byte) error {
	return r.request(codec.UpdateUpdate, delta)
}

func (r *ReplicatedDatabase) request(t codec.UpdateType, payload []byte) error {
	if r.isSenior() {
		return r.applySeniorLocal(t, payload)
	}
	senior, ok := r.membership.Senior()
	if !ok {
		return ErrUnknownSenior
	}
	r.mu.Lock()
	index := r.state.Index
	r.mu.Unlock()
	return r.transport.SendRequestToSenior(senior, index, t, payload)
}

// applySeniorLocal implements spec.md §4.4's senior-path algorithm.
func (r *ReplicatedDatabase) applySeniorLocal(t codec.UpdateType, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state

	id := s.LocalID + 1
	rec := &codec.UpdateRecord{
		Type:               t,
		DatabaseIndex:      s.Index,
		SeniorStartNetTime: r.tb.NetworkNow(),
		Source:             r.membership.LocalPeerID(),
		UpdateID:           id,
		PreChecksum:        s.Checksum,
	}
	s.Log[id] = rec // log is authoritative even mid-apply

	start := time.Now()
	ctx := &ApplyContext{}
	var reply []byte
	var ok bool
	switch t {
	case codec.UpdateReset:
		ok = s.Object.ResetToDefault() == nil
	case codec.UpdateReplace:
		ok = s.Object.SetFromArchive(payload) == nil
		reply = payload
	case codec.UpdateUpdate:
		reply, ok = s.Object.ApplySenior(ctx, payload)
	default:
		ok = true
	}

	if !ok {
		delete(s.Log, id)
		return ErrDatabaseRefused
	}

	rec.Payload = reply
	rec.SeniorElapsedMs = clampMillis(time.Since(start))
	rec.PostChecksum = s.Object.RunningChecksum()
	rec.SelfChecksum = rec.ComputeSelfChecksum()

	s.Checksum = rec.PostChecksum
	s.LocalID = id
	s.LogBytes += len(rec.Payload)
	s.RescanPending = true
	s.trim(true)

	if ctx.requestedReset || ctx.hasReplace || len(ctx.requestedUpdate) > 0 {
		log.Debugf("database[%d]: nested apply-context requests from update %d are not auto-chained; application should re-issue them", s.Index, id)
	}
	return nil
}

func clampMillis(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > 0xFFFF {
		return 0xFFFF
	}
	return uint16(ms)
}

// PublishPending hands every not-yet-multicast log record, in id order,
// to the transport (spec.md §4.4, senior only). Call on every pulse.
func (r *ReplicatedDatabase) PublishPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	maxKey := s.maxLogKey()
	for s.FirstUnsentID <= maxKey {
		rec, ok := s.Log[s.FirstUnsentID]
		if !ok {
			s.FirstUnsentID++
			continue
		}
		if !r.transport.MulticastUpdate(rec) {
			return
		}
		s.FirstUnsentID++
	}
}

// BeaconEntry exposes this database's contribution to the senior's
// BeaconRecord.
func (r *ReplicatedDatabase) BeaconEntry() codec.DatabaseStateInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.BeaconEntry()
}

// HandleBeacon applies one database's entry from a beacon received from
// sender, only when sender is the current senior (spec.md §4.4).
func (r *ReplicatedDatabase) HandleBeacon(sender peerid.ID, info codec.DatabaseStateInfo) {
	senior, ok := r.membership.Senior()
	if !ok || sender != senior {
		log.Debugf("database: discarding beacon from non-senior %s", sender)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	changed := !s.SeniorReceived || info.CurrentStateID != s.SeniorID || info.OldestRetained != s.SeniorOldestID
	s.SeniorID = info.CurrentStateID
	s.SeniorOldestID = info.OldestRetained
	s.SeniorReceived = true
	if changed {
		s.RescanPending = true
	}
}

// HandleMulticastUpdate records an UpdateRecord received over the
// multicast data channel. It does not apply it immediately; Rescan does,
// preserving strict id-order application.
func (r *ReplicatedDatabase) HandleMulticastUpdate(rec *codec.UpdateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	if rec.UpdateID <= s.LocalID {
		return // already applied
	}
	if _, ok := s.Log[rec.UpdateID]; ok {
		return
	}
	s.Log[rec.UpdateID] = rec
	s.LogBytes += len(rec.Payload)
	s.RescanPending = true
}

// HandleBackOrderReply completes one outstanding repair request (spec.md
// §4.4). rec is nil for an "absent" reply (the target had nothing, or
// went offline before answering).
func (r *ReplicatedDatabase) HandleBackOrderReply(target peerid.ID, updateID uint64, rec *codec.UpdateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	key := BackOrderKey{TargetPeer: target, DatabaseIndex: s.Index, UpdateID: updateID}
	if _, ok := s.BackOrders[key]; !ok {
		return
	}
	delete(s.BackOrders, key)
	if rec == nil {
		return
	}

	if updateID == FullResendUpdateID {
		if err := s.Object.SetFromArchive(rec.Payload); err != nil {
			log.Errorf("database[%d]: full-resend archive rejected: %v", s.Index, err)
			return
		}
		s.Checksum = s.Object.RunningChecksum()
		s.LocalID = rec.UpdateID
		for id := range s.Log {
			if id <= s.LocalID {
				delete(s.Log, id)
			}
		}
		s.RescanPending = true
		return
	}

	if _, ok := s.Log[rec.UpdateID]; !ok {
		s.Log[rec.UpdateID] = rec
		s.LogBytes += len(rec.Payload)
	}
	s.RescanPending = true
}

// AbandonBackOrders drops every outstanding repair request targeting
// peer, per spec.md §4.5's peer_offline handling: the next Rescan
// re-enqueues them against whoever is senior by then.
func (r *ReplicatedDatabase) AbandonBackOrders(peer peerid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.state.BackOrders {
		if key.TargetPeer == peer {
			delete(r.state.BackOrders, key)
		}
	}
}

// Rescan implements the junior-path algorithm of spec.md §4.4. It is a
// no-op unless rescan_pending is set.
func (r *ReplicatedDatabase) Rescan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	if !s.RescanPending {
		return
	}
	s.RescanPending = false

	senior, haveSenior := r.membership.Senior()
	target := s.TargetID()

	for s.LocalID < target {
		nextID := s.LocalID + 1
		if rec, ok := s.Log[nextID]; ok {
			if rec.PreChecksum != s.Checksum {
				r.requestFullResendLocked(senior, haveSenior)
				break
			}
			if err := s.Object.ApplyJunior(rec.Payload); err != nil {
				log.Errorf("database[%d]: apply_junior(%d) failed: %v", s.Index, nextID, err)
				r.requestFullResendLocked(senior, haveSenior)
				break
			}
			if got := s.Object.RunningChecksum(); got != rec.PostChecksum {
				log.Errorf("database[%d]: checksum mismatch after update %d: got 0x%08x want 0x%08x", s.Index, nextID, got, rec.PostChecksum)
				r.requestFullResendLocked(senior, haveSenior)
				break
			}
			s.Checksum = rec.PostChecksum
			s.LocalID = nextID
			continue
		}

		if nextID < s.SeniorOldestID {
			r.requestFullResendLocked(senior, haveSenior)
			break
		}

		if !haveSenior {
			break
		}
		for gap := nextID; gap <= target; gap++ {
			if _, present := s.Log[gap]; present {
				continue
			}
			key := BackOrderKey{TargetPeer: senior, DatabaseIndex: s.Index, UpdateID: gap}
			if _, exists := s.BackOrders[key]; exists {
				continue
			}
			s.BackOrders[key] = struct{}{}
			if err := r.transport.RequestBackOrder(senior, s.Index, gap); err != nil {
				log.Warningf("database[%d]: back-order request for %d failed: %v", s.Index, gap, err)
			}
		}
		break
	}

	s.trim(r.isSenior())
}

func (r *ReplicatedDatabase) requestFullResendLocked(senior peerid.ID, haveSenior bool) {
	if !haveSenior {
		return
	}
	s := r.state
	key := BackOrderKey{TargetPeer: senior, DatabaseIndex: s.Index, UpdateID: FullResendUpdateID}
	if _, exists := s.BackOrders[key]; exists {
		return
	}
	s.BackOrders[key] = struct{}{}
	if err := r.transport.RequestBackOrder(senior, s.Index, FullResendUpdateID); err != nil {
		log.Warningf("database[%d]: full-resend request failed: %v", s.Index, err)
	}
}

// Checksum returns the running checksum (for diagnostics/metrics).
func (r *ReplicatedDatabase) Checksum() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Checksum
}

// RecalculateAndCompare is the sanity check of spec.md §8's testable
// property: running checksum must always equal a from-scratch
// recomputation.
func (r *ReplicatedDatabase) RecalculateAndCompare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.state.Object.RecalculateChecksum()
	if got != r.state.Checksum {
		return fmt.Errorf("%w: running=0x%08x recalculated=0x%08x", ErrChecksumMismatch, r.state.Checksum, got)
	}
	return nil
}
