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

package codec

import (
	"fmt"

	"github.com/zgreplica/zg/peerid"
)

// PeerTypeFullPeer and PeerTypeJuniorOnly are the low bits of the
// peer-type-and-flags heartbeat word (spec.md §3).
const (
	PeerTypeFullPeer    uint16 = 0
	PeerTypeJuniorOnly  uint16 = 1
	fullyAttachedFlag   uint16 = 0x8000
	peerTypeAndFlagMask uint16 = 0x7FFF
)

// OrderedPeerTiming is one (source-tag, packet-id, dwell-micros) timing
// triple reported for a peer that the sender currently sees.
type OrderedPeerTiming struct {
	SourceTag   uint16
	PacketID    uint32
	DwellMicros uint32
}

// OrderedPeerEntry is one entry of a sender's ordered-peer list, carrying
// the timing triples for every source that peer is currently heard on.
type OrderedPeerEntry struct {
	Peer    peerid.ID
	Timings []OrderedPeerTiming
}

// HeartbeatBody is the HeartbeatRecord payload described in spec.md §3,
// before it is placed inside the outer wrapper and deflated a second time.
type HeartbeatBody struct {
	PacketID             uint32
	CompatVersion        uint32 // upper 16 bits library, lower 16 bits application
	SystemKey            uint64
	TCPPort              uint16
	UptimeSeconds        uint32
	Peer                 peerid.ID
	PeerType             uint16
	FullyAttached        bool
	OrderedPeers         []OrderedPeerEntry
	CompressedAttributes []byte // already zlib-deflated by the caller
}

// Marshal flattens the body into its little-endian wire layout.
func (h *HeartbeatBody) Marshal() ([]byte, error) {
	if len(h.OrderedPeers) > 0xFFFF {
		return nil, fmt.Errorf("zg/codec: too many ordered-peer entries: %d", len(h.OrderedPeers))
	}
	if len(h.CompressedAttributes) > 0xFFFF {
		return nil, fmt.Errorf("zg/codec: attributes buffer too large: %d bytes", len(h.CompressedAttributes))
	}

	w := newByteWriter(64 + len(h.CompressedAttributes) + 32*len(h.OrderedPeers))
	w.u32(HeartbeatTypeTag)
	w.u32(h.PacketID)
	w.u32(h.CompatVersion)
	w.u64(h.SystemKey)
	w.u16(h.TCPPort)
	w.u32(h.UptimeSeconds)
	w.u64(h.Peer.High)
	w.u64(h.Peer.Low)

	flags := h.PeerType & peerTypeAndFlagMask
	if h.FullyAttached {
		flags |= fullyAttachedFlag
	}
	w.u16(flags)
	w.u16(uint16(len(h.OrderedPeers)))
	w.u16(uint16(len(h.CompressedAttributes)))
	w.u16(0) // reserved

	for _, entry := range h.OrderedPeers {
		if len(entry.Timings) > 0xFFFF {
			return nil, fmt.Errorf("zg/codec: too many timing triples for peer %s", entry.Peer)
		}
		w.u64(entry.Peer.High)
		w.u64(entry.Peer.Low)
		w.u16(uint16(len(entry.Timings)))
		for _, t := range entry.Timings {
			w.u16(t.SourceTag)
			w.u32(t.PacketID)
			w.u32(t.DwellMicros)
		}
	}

	w.raw(h.CompressedAttributes)
	return w.buf, nil
}

// UnmarshalHeartbeatBody parses a HeartbeatBody from its wire layout.
// Trailing bytes beyond the declared attributes length are tolerated, per
// spec.md §6.
func UnmarshalHeartbeatBody(b []byte) (*HeartbeatBody, error) {
	r := newByteReader(b)

	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	if tag != HeartbeatTypeTag {
		return nil, fmt.Errorf("%w: bad heartbeat type tag 0x%08x", ErrMalformed, tag)
	}

	h := &HeartbeatBody{}
	if h.PacketID, err = r.u32(); err != nil {
		return nil, err
	}
	if h.CompatVersion, err = r.u32(); err != nil {
		return nil, err
	}
	if h.SystemKey, err = r.u64(); err != nil {
		return nil, err
	}
	if h.TCPPort, err = r.u16(); err != nil {
		return nil, err
	}
	if h.UptimeSeconds, err = r.u32(); err != nil {
		return nil, err
	}
	if h.Peer.High, err = r.u64(); err != nil {
		return nil, err
	}
	if h.Peer.Low, err = r.u64(); err != nil {
		return nil, err
	}

	flags, err := r.u16()
	if err != nil {
		return nil, err
	}
	h.PeerType = flags & peerTypeAndFlagMask
	h.FullyAttached = flags&fullyAttachedFlag != 0

	peerCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	attrLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	if _, err := r.u16(); err != nil { // reserved
		return nil, err
	}

	h.OrderedPeers = make([]OrderedPeerEntry, 0, peerCount)
	for i := uint16(0); i < peerCount; i++ {
		var entry OrderedPeerEntry
		if entry.Peer.High, err = r.u64(); err != nil {
			return nil, err
		}
		if entry.Peer.Low, err = r.u64(); err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		entry.Timings = make([]OrderedPeerTiming, 0, n)
		for j := uint16(0); j < n; j++ {
			var t OrderedPeerTiming
			if t.SourceTag, err = r.u16(); err != nil {
				return nil, err
			}
			if t.PacketID, err = r.u32(); err != nil {
				return nil, err
			}
			if t.DwellMicros, err = r.u32(); err != nil {
				return nil, err
			}
			entry.Timings = append(entry.Timings, t)
		}
		h.OrderedPeers = append(h.OrderedPeers, entry)
	}

	attrs, err := r.raw(int(attrLen))
	if err != nil {
		return nil, err
	}
	h.CompressedAttributes = append([]byte(nil), attrs...)
	// trailing bytes beyond the declared attributes length are tolerated.
	return h, nil
}

// ErrMalformed is returned when a packet fails magic/type/checksum
// validation.
var ErrMalformed = fmt.Errorf("zg/codec: malformed packet")

// Datagram is the outer wrapper around a zlib-deflated HeartbeatBody
// (spec.md §3): a 16-bit magic, a 16-bit per-destination source-tag, a
// 64-bit network-time-at-send timestamp kept outside the compressed body,
// and a 32-bit checksum over the compressed body.
type Datagram struct {
	SourceTag         uint16
	NetworkTimeAtSend uint64
	CompressedBody    []byte
}

// Marshal produces the full on-the-wire datagram bytes.
func (d *Datagram) Marshal() []byte {
	w := newByteWriter(16 + len(d.CompressedBody))
	w.u16(HeartbeatMagic)
	w.u16(d.SourceTag)
	w.u64(d.NetworkTimeAtSend)
	w.u32(Checksum32(d.CompressedBody))
	w.raw(d.CompressedBody)
	return w.buf
}

// UnmarshalDatagram validates magic and checksum and returns the wrapper
// plus the still-compressed body bytes.
func UnmarshalDatagram(b []byte) (*Datagram, error) {
	r := newByteReader(b)
	magic, err := r.u16()
	if err != nil {
		return nil, err
	}
	if magic != HeartbeatMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", ErrMalformed, magic)
	}
	d := &Datagram{}
	if d.SourceTag, err = r.u16(); err != nil {
		return nil, err
	}
	if d.NetworkTimeAtSend, err = r.u64(); err != nil {
		return nil, err
	}
	wantChecksum, err := r.u32()
	if err != nil {
		return nil, err
	}
	d.CompressedBody = append([]byte(nil), r.buf[r.pos:]...)
	if got := Checksum32(d.CompressedBody); got != wantChecksum {
		return nil, fmt.Errorf("%w: checksum mismatch: got 0x%08x want 0x%08x", ErrMalformed, got, wantChecksum)
	}
	return d, nil
}

// EncodeHeartbeat deflates body and wraps it in a Datagram ready to send.
func EncodeHeartbeat(body *HeartbeatBody, sourceTag uint16, networkTimeAtSend uint64) ([]byte, error) {
	flat, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	compressed, err := Deflate(flat)
	if err != nil {
		return nil, err
	}
	d := &Datagram{SourceTag: sourceTag, NetworkTimeAtSend: networkTimeAtSend, CompressedBody: compressed}
	return d.Marshal(), nil
}

// DecodeHeartbeat is the inverse of EncodeHeartbeat.
func DecodeHeartbeat(raw []byte) (*HeartbeatBody, *Datagram, error) {
	d, err := UnmarshalDatagram(raw)
	if err != nil {
		return nil, nil, err
	}
	flat, err := Inflate(d.CompressedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := UnmarshalHeartbeatBody(flat)
	if err != nil {
		return nil, nil, err
	}
	return body, d, nil
}
