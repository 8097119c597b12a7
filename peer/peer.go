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

package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/database"
	"github.com/zgreplica/zg/heartbeat"
	"github.com/zgreplica/zg/membership"
	"github.com/zgreplica/zg/netiface"
	"github.com/zgreplica/zg/peerid"
	"github.com/zgreplica/zg/timebase"
	"github.com/zgreplica/zg/transport"
)

// databasePulseInterval is how often pending log records are flushed and
// rescans are attempted, independent of the heartbeat rate.
const databasePulseInterval = 50 * time.Millisecond

// combinedTransport satisfies database.Transport by fanning its four
// methods out across the multicast data channel and the unicast session
// layer, the two halves of PacketTransport (spec.md §4.5).
type combinedTransport struct {
	mc *transport.Multicast
	uc *transport.Unicast
}

func (c *combinedTransport) MulticastUpdate(rec *codec.UpdateRecord) bool { return c.mc.MulticastUpdate(rec) }
func (c *combinedTransport) MulticastBeacon(rec *codec.BeaconRecord) bool { return c.mc.MulticastBeacon(rec) }
func (c *combinedTransport) RequestBackOrder(senior peerid.ID, dbIndex uint16, updateID uint64) error {
	return c.uc.RequestBackOrder(senior, dbIndex, updateID)
}
func (c *combinedTransport) SendRequestToSenior(senior peerid.ID, dbIndex uint16, t codec.UpdateType, payload []byte) error {
	return c.uc.SendRequestToSenior(senior, dbIndex, t, payload)
}

// Peer wires the HeartbeatEngine, MembershipView, every
// ReplicatedDatabase, and PacketTransport into one running system
// (spec.md §5). It implements database.Membership directly.
type Peer struct {
	cfg     Config
	objects []database.Object

	self peerid.ID
	tb   *timebase.Base

	engine    *heartbeat.Engine
	view      *membership.View
	dbs       []*database.ReplicatedDatabase
	books     *addressBook
	multicast *transport.Multicast
	unicast   *transport.Unicast
	sched     *scheduler

	mu            sync.Mutex
	senior        peerid.ID
	haveSenior    bool
	fullyAttached bool

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New validates cfg and returns a Peer ready for Start. It does not open
// any sockets.
func New(cfg Config, objects []database.Object) (*Peer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumDatabases != 0 && int(cfg.NumDatabases) != len(objects) {
		return nil, fmt.Errorf("peer: configured num_databases=%d does not match %d supplied objects", cfg.NumDatabases, len(objects))
	}
	if len(objects) > 0xFFFF {
		return nil, fmt.Errorf("peer: too many databases: %d", len(objects))
	}
	return &Peer{
		cfg:     cfg,
		objects: objects,
		books:   newAddressBook(),
		sched:   newScheduler(),
	}, nil
}

// LocalPeerID implements database.Membership.
func (p *Peer) LocalPeerID() peerid.ID { return p.self }

// Senior implements database.Membership.
func (p *Peer) Senior() (peerid.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senior, p.haveSenior
}

func (p *Peer) isSenior() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haveSenior && p.senior == p.self
}

// FullyAttached reports whether the heartbeat engine's most recent
// snapshot considers this peer past its attachment phases (spec.md
// §4.1); used by cmd/zgdemo to gate systemd readiness notification.
func (p *Peer) FullyAttached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fullyAttached
}

// Databases returns the ReplicatedDatabases in index order, for
// diagnostics (zgdemo) and metrics registration.
func (p *Peer) Databases() []*database.ReplicatedDatabase { return p.dbs }

// View exposes the MembershipView for diagnostics.
func (p *Peer) View() *membership.View { return p.view }

// NetworkTimeOffset reports the current network-time offset in
// microseconds (spec.md §4.6).
func (p *Peer) NetworkTimeOffset() int64 { return p.engine.CurrentNetworkTimeOffset() }

// Multicast exposes the multicast transport counters for the Prometheus
// registry (see metrics.go).
func (p *Peer) Multicast() *transport.Multicast { return p.multicast }

// Start builds every socket and goroutine and begins running. ctx governs
// the lifetime of the peer's own event loop; Stop tears everything down
// regardless of ctx.
func (p *Peer) Start(ctx context.Context) error {
	if p.started {
		return fmt.Errorf("peer: already started")
	}

	self, err := peerid.New()
	if err != nil {
		return fmt.Errorf("peer: generating local peer id: %w", err)
	}
	p.self = self
	p.tb = timebase.New()
	p.view = membership.NewView()

	p.unicast, err = transport.NewUnicast(self, p.cfg.TCPListenAddr, p.books,
		p.handleBackOrderRequest, p.handleBackOrderReply, p.handleDatabaseRequest)
	if err != nil {
		return fmt.Errorf("peer: starting unicast listener: %w", err)
	}

	tcpAddr, ok := p.unicast.Addr().(*net.TCPAddr)
	if !ok {
		p.unicast.Close()
		return fmt.Errorf("peer: unicast listener did not bind a TCP address")
	}

	systemKey := codec.SystemKey(p.cfg.Signature, p.cfg.SystemName)
	compat := codec.CompatibilityVersion(libraryCompatibilityVersion, p.cfg.ApplicationCompatibilityVersion)

	hbSettings := heartbeat.DefaultSettings()
	hbSettings.LocalPeerID = self
	hbSettings.SystemKey = systemKey
	hbSettings.TCPPort = uint16(tcpAddr.Port)
	hbSettings.PeerType = p.cfg.PeerType
	hbSettings.CompatVersion = compat
	hbSettings.HeartbeatsPerSecond = p.cfg.HeartbeatsPerSecond
	hbSettings.HeartbeatsBeforeFullyAttached = p.cfg.HeartbeatsBeforeFullyAttached
	hbSettings.MaxMissingHeartbeats = p.cfg.MaxMissingHeartbeats
	hbSettings.PeerAttributes = p.cfg.PeerAttributes

	selector := &netiface.Selector{LocalhostOnly: p.cfg.SystemIsLocalhostOnly, Behavior: p.cfg.MulticastBehavior}

	p.engine, err = heartbeat.New(hbSettings, selector, p.tb)
	if err != nil {
		p.unicast.Close()
		return fmt.Errorf("peer: constructing heartbeat engine: %w", err)
	}
	if err := p.engine.Start(netiface.HeartbeatPort(p.cfg.PortBase)); err != nil {
		p.unicast.Close()
		return fmt.Errorf("peer: starting heartbeat engine: %w", err)
	}

	dataEndpoints, err := selector.Endpoints(systemKey, netiface.DataPort(p.cfg.PortBase))
	if err != nil {
		p.engine.Stop()
		p.unicast.Close()
		return fmt.Errorf("peer: building data-channel endpoints: %w", err)
	}
	p.multicast = transport.NewMulticast(self, dataEndpoints, p.handleUpdate, p.handleBeacon)

	combined := &combinedTransport{mc: p.multicast, uc: p.unicast}
	p.dbs = make([]*database.ReplicatedDatabase, len(p.objects))
	for i, obj := range p.objects {
		p.dbs[i] = database.New(uint16(i), obj, p.cfg.MaxUpdateLogBytesPerDB, combined, p, p.tb)
	}

	p.sched.add("database-pulse", databasePulseInterval, p.pulseDatabases)
	beaconInterval := time.Second / time.Duration(p.cfg.BeaconsPerSecond)
	p.sched.add("beacon", beaconInterval, p.pulseBeacon)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	p.group = g
	g.Go(func() error { return p.run(gctx) })

	p.started = true
	return nil
}

// Stop tears everything down in spec.md §5's order: Transport first,
// Heartbeat next, MembershipView last (which owns no resources of its
// own). The heartbeat engine enforces its own 2-second grace period.
func (p *Peer) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.multicast != nil {
		p.multicast.Close()
	}
	if p.unicast != nil {
		p.unicast.Close()
	}
	if p.engine != nil {
		p.engine.Stop()
	}
	if p.group != nil {
		if err := p.group.Wait(); err != nil {
			log.Warningf("peer: run loop exited with error: %v", err)
		}
	}
	p.started = false
}

func (p *Peer) run(ctx context.Context) error {
	timer := time.NewTimer(p.sched.nextWake(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-p.engine.Snapshots():
			if !ok {
				return nil
			}
			p.applySnapshot(snap)
		case now := <-timer.C:
			p.sched.fireDue(now)
			timer.Reset(p.sched.nextWake(time.Now()))
		}
	}
}

func (p *Peer) applySnapshot(snap heartbeat.Snapshot) {
	p.mu.Lock()
	p.fullyAttached = snap.FullyAttached
	p.mu.Unlock()

	events := p.view.Apply(snap)
	for _, ev := range events {
		switch ev.Kind {
		case membership.PeerOnline:
			p.books.set(ev.Peer, ev.Info.Addr, ev.Info.TCPPort)
		case membership.PeerOffline:
			p.books.remove(ev.Peer)
			p.unicast.EndSessionsFor(ev.Peer)
			for _, db := range p.dbs {
				db.AbandonBackOrders(ev.Peer)
			}
		case membership.SeniorChanged:
			haveSenior := ev.New != peerid.Nil
			p.mu.Lock()
			p.senior, p.haveSenior = ev.New, haveSenior
			p.mu.Unlock()
			p.engine.UpdateSenior(ev.New, haveSenior)
		}
	}
}

func (p *Peer) pulseDatabases(now time.Time) {
	for _, db := range p.dbs {
		db.PublishPending()
		db.Rescan()
	}
}

func (p *Peer) pulseBeacon(now time.Time) {
	if !p.isSenior() {
		return
	}
	entries := make([]codec.DatabaseStateInfo, len(p.dbs))
	for i, db := range p.dbs {
		entries[i] = db.BeaconEntry()
	}
	p.multicast.MulticastBeacon(&codec.BeaconRecord{Entries: entries})
}

func (p *Peer) dbByIndex(i uint16) *database.ReplicatedDatabase {
	if int(i) >= len(p.dbs) {
		return nil
	}
	return p.dbs[i]
}

func (p *Peer) handleUpdate(rec *codec.UpdateRecord) {
	if db := p.dbByIndex(rec.DatabaseIndex); db != nil {
		db.HandleMulticastUpdate(rec)
	}
}

func (p *Peer) handleBeacon(sender peerid.ID, rec *codec.BeaconRecord) {
	for i, info := range rec.Entries {
		if db := p.dbByIndex(uint16(i)); db != nil {
			db.HandleBeacon(sender, info)
		}
	}
}

func (p *Peer) handleBackOrderRequest(from peerid.ID, dbIndex uint16, updateID uint64) {
	db := p.dbByIndex(dbIndex)
	if db == nil {
		return
	}
	var rec *codec.UpdateRecord
	if updateID == database.FullResendUpdateID {
		full, err := db.FullResendRecord()
		if err != nil {
			log.Errorf("peer: building full-resend reply for database %d: %v", dbIndex, err)
		} else {
			rec = full
		}
	} else if stored, ok := db.LogRecord(updateID); ok {
		rec = stored
	}
	if err := p.unicast.ReplyBackOrder(from, dbIndex, updateID, rec); err != nil {
		log.Warningf("peer: replying to back-order request from %s: %v", from, err)
	}
}

func (p *Peer) handleBackOrderReply(from peerid.ID, dbIndex uint16, updateID uint64, rec *codec.UpdateRecord) {
	if db := p.dbByIndex(dbIndex); db != nil {
		db.HandleBackOrderReply(from, updateID, rec)
	}
}

// handleDatabaseRequest is invoked on the senior when a junior forwards a
// RequestReset/Replace/Update over TCP (spec.md §4.4). The resulting
// apply is replicated to everyone, including the requester, over the
// normal multicast log rather than acknowledged directly.
func (p *Peer) handleDatabaseRequest(from peerid.ID, dbIndex uint16, t codec.UpdateType, payload []byte) {
	db := p.dbByIndex(dbIndex)
	if db == nil {
		return
	}
	var err error
	switch t {
	case codec.UpdateReset:
		err = db.RequestReset()
	case codec.UpdateReplace:
		err = db.RequestReplace(payload)
	case codec.UpdateUpdate:
		err = db.RequestUpdate(payload)
	default:
		return
	}
	if err != nil {
		log.Warningf("peer: applying request forwarded by %s failed: %v", from, err)
	}
}
