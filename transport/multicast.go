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

// Package transport implements PacketTransport (spec.md §4.5): the
// multicast data channel with its packet-tunnel fragmentation and
// de-duplication, and the unicast TCP sessions used for back-order
// repair and point-to-point messaging.
package transport

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/netiface"
	"github.com/zgreplica/zg/peerid"
)

// DefaultDedupCapacity is the bounded LRU size of spec.md §4.5 ("the last
// ~1000 tags").
const DefaultDedupCapacity = 1000

// maxFragmentPayload keeps each UDP datagram well under the common
// IPv6 minimum MTU of 1280 bytes once the fragment header is added.
const maxFragmentPayload = 1100

// reassembly tracks the fragments received so far for one MessageTag.
type reassembly struct {
	total    uint32
	count    uint16
	got      int
	parts    [][]byte
	complete bool
}

// Multicast is the multicast half of PacketTransport.
type Multicast struct {
	localPeer peerid.ID
	endpoints []netiface.Endpoint
	counter   atomic.Uint64

	onUpdate func(*codec.UpdateRecord)
	onBeacon func(sender peerid.ID, rec *codec.BeaconRecord)

	mu         sync.Mutex
	dedup      *tagLRU
	inProgress map[MessageTag]*reassembly

	sentFragments     atomic.Uint64
	receivedFragments atomic.Uint64
	droppedDuplicates atomic.Uint64

	stopCh chan struct{}
}

// NewMulticast builds a Multicast transport over already-joined
// endpoints (see netiface.Selector.Endpoints for the data port).
func NewMulticast(localPeer peerid.ID, endpoints []netiface.Endpoint, onUpdate func(*codec.UpdateRecord), onBeacon func(peerid.ID, *codec.BeaconRecord)) *Multicast {
	m := &Multicast{
		localPeer:  localPeer,
		endpoints:  endpoints,
		onUpdate:   onUpdate,
		onBeacon:   onBeacon,
		dedup:      newTagLRU(DefaultDedupCapacity),
		inProgress: make(map[MessageTag]*reassembly),
		stopCh:     make(chan struct{}),
	}
	for _, ep := range endpoints {
		go m.readLoop(ep)
	}
	return m
}

// Close tears down the read loops and closes the data-channel endpoints
// this Multicast was built over.
func (m *Multicast) Close() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
		for _, ep := range m.endpoints {
			_ = ep.Close()
		}
	}
}

// MulticastUpdate implements database.Transport: fans an UpdateRecord out
// to every interface, fragmenting as needed. Returns false only if the
// record cannot be marshaled; send drops are per-interface and logged, not
// surfaced to the caller, per spec.md §4.5's "best effort" data channel.
func (m *Multicast) MulticastUpdate(rec *codec.UpdateRecord) bool {
	flat, err := rec.Marshal()
	if err != nil {
		log.Errorf("transport: marshaling update record: %v", err)
		return false
	}
	m.send(kindData, flat)
	return true
}

// MulticastBeacon implements database.Transport for the senior-only
// beacon broadcast.
func (m *Multicast) MulticastBeacon(rec *codec.BeaconRecord) bool {
	m.send(kindBeacon, rec.Marshal())
	return true
}

func (m *Multicast) send(kind uint8, payload []byte) {
	var counter uint64
	if kind == kindData {
		counter = m.counter.Add(1)
	}
	count := (len(payload) + maxFragmentPayload - 1) / maxFragmentPayload
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		start := i * maxFragmentPayload
		end := start + maxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		h := &fragmentHeader{
			Kind:      kind,
			Sender:    m.localPeer,
			Counter:   counter,
			Index:     uint16(i),
			Count:     uint16(count),
			TotalSize: uint32(len(payload)),
		}
		raw := h.marshal(payload[start:end])
		for _, ep := range m.endpoints {
			if err := ep.SendTo(raw); err != nil {
				log.Warningf("transport: multicast send on %s failed: %v", ep.Interface().Name, err)
				continue
			}
			m.sentFragments.Add(1)
		}
	}
}

func (m *Multicast) readLoop(ep netiface.Endpoint) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := ep.RecvFrom(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			log.Warningf("transport: multicast read on %s failed: %v", ep.Interface().Name, err)
			return
		}
		m.handleFragment(append([]byte(nil), buf[:n]...))
	}
}

func (m *Multicast) handleFragment(raw []byte) {
	h, body, err := unmarshalFragment(raw)
	if err != nil {
		log.Debugf("transport: dropping malformed fragment: %v", err)
		return
	}
	if h.Sender == m.localPeer {
		return // our own multicast loopback
	}
	m.receivedFragments.Add(1)

	if h.Kind == kindBeacon {
		// beacons are exempted from de-duplication and, in practice, are
		// small enough to never fragment.
		rec, err := codec.UnmarshalBeaconRecord(body)
		if err != nil {
			log.Debugf("transport: malformed beacon from %s: %v", h.Sender, err)
			return
		}
		m.onBeacon(h.Sender, rec)
		return
	}

	tag := MessageTag{Sender: h.Sender, Counter: h.Counter}

	m.mu.Lock()
	if m.dedup.contains(tag) {
		// every fragment of this tag was already reassembled and
		// delivered once; a fragment arriving now (retransmit, or the
		// same datagram seen on another interface after completion) is
		// a duplicate of the whole message, not just this fragment.
		m.mu.Unlock()
		m.droppedDuplicates.Add(1)
		return
	}
	asm, ok := m.inProgress[tag]
	if !ok {
		asm = &reassembly{total: h.TotalSize, count: h.Count, parts: make([][]byte, h.Count)}
		m.inProgress[tag] = asm
	}
	if int(h.Index) >= len(asm.parts) || asm.parts[h.Index] != nil {
		// either a malformed index, or this fragment was already seen
		// on another interface while reassembly is still in progress.
		m.mu.Unlock()
		m.droppedDuplicates.Add(1)
		return
	}
	asm.parts[h.Index] = body
	asm.got++
	complete := asm.got == len(asm.parts)
	if complete {
		delete(m.inProgress, tag)
		m.dedup.insert(tag)
	}
	m.mu.Unlock()

	if !complete {
		return
	}

	flat := make([]byte, 0, asm.total)
	for _, part := range asm.parts {
		flat = append(flat, part...)
	}
	rec, err := codec.UnmarshalUpdateRecord(flat)
	if err != nil {
		log.Debugf("transport: malformed reassembled update from %s: %v", h.Sender, err)
		return
	}
	m.onUpdate(rec)
}

// SentFragments, ReceivedFragments and DroppedDuplicates are cumulative
// counters read by the Prometheus registry (SPEC_FULL.md §3).
func (m *Multicast) SentFragments() uint64     { return m.sentFragments.Load() }
func (m *Multicast) ReceivedFragments() uint64 { return m.receivedFragments.Load() }
func (m *Multicast) DroppedDuplicates() uint64 { return m.droppedDuplicates.Load() }
