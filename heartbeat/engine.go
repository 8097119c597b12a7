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
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/netiface"
	"github.com/zgreplica/zg/peerid"
	"github.com/zgreplica/zg/timebase"
)

// Errors the engine can produce, per spec.md §7's error-kind taxonomy.
var (
	ErrVersionMismatch = errors.New("heartbeat: compatibility version mismatch")
	ErrMalformedPacket = errors.New("heartbeat: malformed packet")
	ErrNotRunning      = errors.New("heartbeat: engine is not running")
)

// Snapshot is what the engine hands to MembershipView on each tick: every
// currently-online PeerId merged across its sources, plus the converged
// ordered-peer list once this peer is past its first attachment half-phase
// (spec.md §4.1, §4.2).
type Snapshot struct {
	Peers         map[peerid.ID]ObservedPeer
	Order         []peerid.ID
	FullyAttached bool
}

// inboundPacket is one datagram read off any endpoint.
type inboundPacket struct {
	data     []byte
	from     netip.AddrPort
	localTag uint16
}

// Engine is the HeartbeatEngine (spec.md §4.1). It owns its sockets and
// runs its send/receive/expiry logic on a dedicated goroutine, exactly the
// way the original dedicates a thread to it so RTT sampling isn't
// perturbed by application work.
type Engine struct {
	settings  Settings
	selector  Endpoints
	tb        *timebase.Base
	snapshots chan Snapshot

	endpoints []netiface.Endpoint
	port      uint16
	inbound   chan inboundPacket

	controlCh chan controlMsg
	stopCh    chan struct{}
	doneCh    chan struct{}

	sources map[SourceKey]*source
	sent    *sentRing
	seq     atomic.Uint32

	attrsCompressed []byte

	latMu   sync.Mutex
	latency map[peerid.ID]time.Duration

	fullyAttached bool
	attachTicks   int

	lastRateLimitLog map[peerid.ID]time.Time

	preferredInterface map[peerid.ID]uint16

	seniorMu   sync.Mutex
	seniorID   peerid.ID
	haveSenior bool

	started time.Time
}

type controlMsg int

const (
	controlRecreateSockets controlMsg = iota
)

// New constructs an Engine. tb is the shared TimeBase whose offset this
// engine's goroutine is the sole writer of (spec.md §5).
func New(settings Settings, selector Endpoints, tb *timebase.Base) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	attrs, err := codec.Deflate(settings.PeerAttributes)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: compressing peer attributes: %w", err)
	}
	if len(attrs) > 0xFFFF {
		return nil, fmt.Errorf("heartbeat: peer attributes too large after compression: %d bytes", len(attrs))
	}

	return &Engine{
		settings:           settings,
		selector:           selector,
		tb:                 tb,
		snapshots:          make(chan Snapshot, 4),
		inbound:            make(chan inboundPacket, 256),
		controlCh:          make(chan controlMsg, 4),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
		sources:            make(map[SourceKey]*source),
		sent:               newSentRing(100),
		attrsCompressed:    attrs,
		latency:            make(map[peerid.ID]time.Duration),
		lastRateLimitLog:   make(map[peerid.ID]time.Time),
		preferredInterface: make(map[peerid.ID]uint16),
	}, nil
}

// Start allocates the per-interface multicast endpoints and begins
// ticking. It does not block.
func (e *Engine) Start(port uint16) error {
	endpoints, err := e.selector.Endpoints(e.settings.SystemKey, port)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	e.endpoints = endpoints
	e.port = port
	e.started = time.Now()

	for _, ep := range e.endpoints {
		go e.readLoop(ep)
	}
	go e.run()
	return nil
}

// Snapshots exposes the channel of observed-peer snapshots for
// MembershipView to consume.
func (e *Engine) Snapshots() <-chan Snapshot {
	return e.snapshots
}

// RecreateSockets requests that the engine tear down and rebuild its
// per-interface endpoints, idempotently, after an OS-reported
// network-interface change (spec.md §4.1).
func (e *Engine) RecreateSockets() {
	select {
	case e.controlCh <- controlRecreateSockets:
	default:
	}
}

// Stop joins the engine's goroutine; it may block briefly (spec.md §4.1,
// §5's 2-second grace).
func (e *Engine) Stop() {
	close(e.stopCh)
	select {
	case <-e.doneCh:
	case <-time.After(2 * time.Second):
		log.Warning("heartbeat: engine did not shut down within grace period")
	}
	for _, ep := range e.endpoints {
		_ = ep.Close()
	}
}

// CurrentNetworkTimeOffset atomically reads the shared network-time offset
// (spec.md §4.1, §4.6).
func (e *Engine) CurrentNetworkTimeOffset() int64 {
	return e.tb.OffsetMicros()
}

// EstimatedLatencyTo returns the last RTT estimate to peer, if any.
func (e *Engine) EstimatedLatencyTo(peer peerid.ID) (time.Duration, bool) {
	e.latMu.Lock()
	defer e.latMu.Unlock()
	d, ok := e.latency[peer]
	return d, ok
}

func (e *Engine) setLatency(peer peerid.ID, d time.Duration) {
	e.latMu.Lock()
	e.latency[peer] = d
	e.latMu.Unlock()
}

// UpdateSenior tells the engine who MembershipView currently believes is
// senior, so its own goroutine (the sole writer of the TimeBase offset per
// spec.md §5) can decide whether to zero its offset or derive it from that
// peer's heartbeats. Safe to call from any goroutine.
func (e *Engine) UpdateSenior(id peerid.ID, ok bool) {
	e.seniorMu.Lock()
	e.seniorID = id
	e.haveSenior = ok
	e.seniorMu.Unlock()
}

func (e *Engine) currentSenior() (peerid.ID, bool) {
	e.seniorMu.Lock()
	defer e.seniorMu.Unlock()
	return e.seniorID, e.haveSenior
}

func (e *Engine) readLoop(ep netiface.Endpoint) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := ep.RecvFrom(buf)
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
			}
			log.Warningf("heartbeat: read error on %s: %v", ep.Interface().Name, err)
			return
		}
		pkt := inboundPacket{
			data:     append([]byte(nil), buf[:n]...),
			from:     from,
			localTag: ep.Tag(),
		}
		select {
		case e.inbound <- pkt:
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)

	interval := e.settings.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case msg := <-e.controlCh:
			if msg == controlRecreateSockets {
				e.recreateSockets()
			}
		case pkt := <-e.inbound:
			e.handleInbound(pkt)
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

func (e *Engine) recreateSockets() {
	for _, ep := range e.endpoints {
		_ = ep.Close()
	}
	endpoints, err := e.selector.Endpoints(e.settings.SystemKey, e.port)
	if err != nil {
		log.Errorf("heartbeat: recreate sockets failed: %v", err)
		return
	}
	e.endpoints = endpoints
	for _, ep := range e.endpoints {
		go e.readLoop(ep)
	}
}

func (e *Engine) tick(now time.Time) {
	e.expireSources(now)
	if senior, ok := e.currentSenior(); ok && senior == e.settings.LocalPeerID {
		// per spec.md §4.6, the senior's offset is zero by definition; keep
		// this write on the engine's own goroutine so TimeBase retains its
		// single-writer invariant.
		e.tb.BecomeSenior()
	}
	e.sendHeartbeats(now)
	e.advanceAttachment()
	e.publishSnapshot()
}

func (e *Engine) expireSources(now time.Time) {
	timeout := e.settings.ExpiryTimeout()
	for key, s := range e.sources {
		if s.expired(now, timeout) {
			delete(e.sources, key)
		} else {
			s.averager.Tick()
		}
	}
}

func (e *Engine) advanceAttachment() {
	e.attachTicks++
	half := e.settings.HalfAttachPeriod()
	e.fullyAttached = e.attachTicks >= 2*half
}

// reportsOrderedList returns true once we are past the first attachment
// half-phase and willing to advertise an ordered list (spec.md §4.1).
func (e *Engine) reportsOrderedList() bool {
	return e.attachTicks >= e.settings.HalfAttachPeriod()
}

func (e *Engine) currentOrder() []peerid.ID {
	local := e.observedPeers()
	local[e.settings.LocalPeerID] = ObservedPeer{
		ID:            e.settings.LocalPeerID,
		PeerType:      e.settings.PeerType,
		FullyAttached: e.fullyAttached,
		UptimeSeconds: e.tb.UptimeSeconds(),
	}
	advertised := e.advertisedLists()
	return Converge(local, advertised)
}

func (e *Engine) advertisedLists() []AdvertisedList {
	seenSenders := make(map[peerid.ID]bool)
	out := make([]AdvertisedList, 0, len(e.sources))
	for _, s := range e.sources {
		if s.lastBody == nil || seenSenders[s.key.Peer] {
			continue
		}
		seenSenders[s.key.Peer] = true
		order := make([]peerid.ID, len(s.lastBody.OrderedPeers))
		for i, entry := range s.lastBody.OrderedPeers {
			order[i] = entry.Peer
		}
		out = append(out, AdvertisedList{Sender: s.key.Peer, Order: order})
	}
	return out
}

func (e *Engine) observedPeers() map[peerid.ID]ObservedPeer {
	out := make(map[peerid.ID]ObservedPeer)
	for _, s := range e.sources {
		if s.lastBody == nil {
			continue
		}
		existing, ok := out[s.key.Peer]
		if ok && existing.UptimeSeconds >= s.lastBody.UptimeSeconds {
			continue
		}
		attrs, err := codec.Inflate(s.lastBody.CompressedAttributes)
		if err != nil {
			attrs = nil
		}
		out[s.key.Peer] = ObservedPeer{
			ID:            s.key.Peer,
			PeerType:      s.lastBody.PeerType,
			FullyAttached: s.lastBody.FullyAttached,
			UptimeSeconds: s.lastBody.UptimeSeconds,
			TCPPort:       s.lastBody.TCPPort,
			SystemKey:     s.lastBody.SystemKey,
			Attributes:    attrs,
			Addr:          s.key.Endpoint.Addr(),
		}
	}
	return out
}

func (e *Engine) sendHeartbeats(now time.Time) {
	packetID := e.seq.Add(1)
	order := []peerid.ID(nil)
	if e.reportsOrderedList() {
		order = e.currentOrder()
	}

	orderedPeers := e.buildOrderedPeerEntries(order, now)

	body := &codec.HeartbeatBody{
		PacketID:      packetID,
		CompatVersion: e.settings.CompatVersion,
		SystemKey:     e.settings.SystemKey,
		TCPPort:       e.settings.TCPPort,
		UptimeSeconds: e.tb.UptimeSeconds(),
		Peer:          e.settings.LocalPeerID,
		PeerType:      e.settings.PeerType,
		FullyAttached: e.fullyAttached,
		OrderedPeers:  orderedPeers,
	}

	e.sent.record(packetID, now)

	for _, ep := range e.endpoints {
		body.CompressedAttributes = e.attrsCompressed
		raw, err := codec.EncodeHeartbeat(body, ep.Tag(), e.tb.NetworkNow())
		if err != nil {
			log.Errorf("heartbeat: encoding failed: %v", err)
			continue
		}
		if err := ep.SendTo(raw); err != nil {
			log.Warningf("heartbeat: send on %s failed: %v", ep.Interface().Name, err)
		}
	}
}

// buildOrderedPeerEntries reports, for each peer we currently see, the
// (source-tag, packet-id, dwell-micros) triples spec.md §3 describes: the
// last packet id received from that peer on each interface we hear it on,
// and how long we have held it before sending this heartbeat.
func (e *Engine) buildOrderedPeerEntries(order []peerid.ID, now time.Time) []codec.OrderedPeerEntry {
	if order == nil {
		return nil
	}
	byPeer := make(map[peerid.ID][]codec.OrderedPeerTiming)
	for _, s := range e.sources {
		if s.lastBody == nil {
			continue
		}
		dwell := now.Sub(s.lastSeen)
		if dwell < 0 {
			dwell = 0
		}
		byPeer[s.key.Peer] = append(byPeer[s.key.Peer], codec.OrderedPeerTiming{
			SourceTag:   s.localTag,
			PacketID:    s.lastPacketID,
			DwellMicros: uint32(dwell.Microseconds()),
		})
	}

	entries := make([]codec.OrderedPeerEntry, 0, len(order))
	for _, id := range order {
		if id == e.settings.LocalPeerID {
			continue
		}
		timings, ok := byPeer[id]
		if !ok {
			continue
		}
		entries = append(entries, codec.OrderedPeerEntry{Peer: id, Timings: timings})
	}
	return entries
}

func (e *Engine) handleInbound(pkt inboundPacket) {
	body, dgram, err := codec.DecodeHeartbeat(pkt.data)
	if err != nil {
		log.Debugf("heartbeat: dropping malformed packet from %s: %v", pkt.from, err)
		return
	}
	if body.SystemKey != e.settings.SystemKey {
		return // different ZG system sharing the LAN; silently ignore
	}

	if body.CompatVersion != e.settings.CompatVersion {
		wantLib, wantApp := codec.SplitCompatibilityVersion(e.settings.CompatVersion)
		gotLib, gotApp := codec.SplitCompatibilityVersion(body.CompatVersion)
		e.rateLimitedLog(body.Peer, "heartbeat: version mismatch from %s: got lib=%d app=%d want lib=%d app=%d", body.Peer, gotLib, gotApp, wantLib, wantApp)
		return
	}

	key := SourceKey{Endpoint: pkt.from, Peer: body.Peer}
	s, ok := e.sources[key]
	if !ok {
		s = newSource(key, pkt.localTag, e.settings.AveragerWindow)
		e.sources[key] = s
	}
	now := time.Now()
	s.touch(now, body)

	e.sampleRTT(body, dgram.NetworkTimeAtSend, now)
}

// sampleRTT looks for a timing triple that reports back one of our own
// recent packets and, if found, feeds the round trip into that source's
// averager (spec.md §4.1).
func (e *Engine) sampleRTT(body *codec.HeartbeatBody, networkTimeAtSend uint64, receiveTime time.Time) {
	for _, entry := range body.OrderedPeers {
		if entry.Peer != e.settings.LocalPeerID {
			continue
		}
		for _, t := range entry.Timings {
			sendTime, ok := e.sent.lookup(t.PacketID)
			if !ok {
				continue
			}
			rtt := receiveTime.Sub(sendTime) - time.Duration(t.DwellMicros)*time.Microsecond
			key := SourceKey{Peer: body.Peer}
			// match by peer only; timings don't carry the originating
			// endpoint back to us, so we fold the sample into every
			// source we currently track for that peer.
			for sk, s := range e.sources {
				if sk.Peer != key.Peer {
					continue
				}
				s.averager.Add(rtt)
				if avg, ok := s.averager.AverageIgnoringOutliers(); ok {
					e.setLatency(body.Peer, avg)
					if rtt >= 0 {
						e.maybeUpdateNetworkTime(body, s.localTag, avg, networkTimeAtSend, receiveTime)
					}
				}
			}
		}
	}
}

// maybeUpdateNetworkTime recomputes the shared offset when the sample came
// from our preferred interface to the current senior, per spec.md §4.6:
// offset_micros = senior_network_time_of_last_heartbeat - (local_receive_time - rtt/2).
func (e *Engine) maybeUpdateNetworkTime(body *codec.HeartbeatBody, localTag uint16, rtt time.Duration, networkTimeAtSend uint64, receiveTime time.Time) {
	if body.Peer == e.settings.LocalPeerID {
		return
	}
	senior, ok := e.currentSenior()
	if !ok || body.Peer != senior {
		return
	}
	preferred, known := e.preferredInterface[body.Peer]
	if !known {
		e.preferredInterface[body.Peer] = localTag // first interface we hear them on becomes preferred
		preferred = localTag
	}
	if preferred != localTag {
		return
	}
	estimatedArrival := receiveTime.Add(-rtt / 2)
	offset := int64(networkTimeAtSend) - estimatedArrival.UnixMicro()
	e.tb.SetOffsetMicros(offset)
}

func (e *Engine) rateLimitedLog(peer peerid.ID, format string, args ...interface{}) {
	now := time.Now()
	if last, ok := e.lastRateLimitLog[peer]; ok && now.Sub(last) < time.Second {
		return
	}
	e.lastRateLimitLog[peer] = now
	log.Warningf(format, args...)
}

func (e *Engine) publishSnapshot() {
	peers := e.observedPeers()
	peers[e.settings.LocalPeerID] = ObservedPeer{
		ID:            e.settings.LocalPeerID,
		PeerType:      e.settings.PeerType,
		FullyAttached: e.fullyAttached,
		UptimeSeconds: e.tb.UptimeSeconds(),
		TCPPort:       e.settings.TCPPort,
		SystemKey:     e.settings.SystemKey,
	}
	var order []peerid.ID
	if e.reportsOrderedList() {
		order = e.currentOrder()
	}
	snap := Snapshot{Peers: peers, Order: order, FullyAttached: e.fullyAttached}
	select {
	case e.snapshots <- snap:
	default:
		// main thread hasn't drained the previous snapshot yet; drop this
		// one rather than block the heartbeat goroutine.
	}
}

// sentRing is the bounded FIFO of our last ~100 outgoing packet ids, used
// to recover send time when a peer reports one back (spec.md §4.1).
type sentRing struct {
	ids   []uint32
	times []time.Time
	pos   int
	size  int
}

func newSentRing(n int) *sentRing {
	return &sentRing{ids: make([]uint32, n), times: make([]time.Time, n)}
}

func (r *sentRing) record(id uint32, t time.Time) {
	r.ids[r.pos] = id
	r.times[r.pos] = t
	r.pos = (r.pos + 1) % len(r.ids)
	if r.size < len(r.ids) {
		r.size++
	}
}

func (r *sentRing) lookup(id uint32) (time.Time, bool) {
	for i := 0; i < r.size; i++ {
		if r.ids[i] == id {
			return r.times[i], true
		}
	}
	return time.Time{}, false
}
