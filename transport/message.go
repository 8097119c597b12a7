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

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/zgreplica/zg/peerid"
)

// fragmentMagic distinguishes data-channel fragments from the heartbeat
// channel's own magic (codec.HeartbeatMagic), since both ride UDP.
const fragmentMagic uint16 = 0x6513

const (
	kindData   uint8 = 0
	kindBeacon uint8 = 1
)

const fragmentHeaderSize = 2 + 1 + 16 + 8 + 2 + 2 + 4

// fragmentHeader is one wire fragment of the packet-tunnel gateway
// (spec.md §4.5): every UDP datagram on the data channel carries this
// header followed by up to (MTU - header) bytes of one logical message.
type fragmentHeader struct {
	Kind      uint8
	Sender    peerid.ID
	Counter   uint64 // PZGMulticastMessageTag's per-sender monotonic counter
	Index     uint16
	Count     uint16
	TotalSize uint32
}

func (h *fragmentHeader) marshal(fragment []byte) []byte {
	buf := make([]byte, fragmentHeaderSize+len(fragment))
	binary.LittleEndian.PutUint16(buf[0:], fragmentMagic)
	buf[2] = h.Kind
	binary.LittleEndian.PutUint64(buf[3:], h.Sender.High)
	binary.LittleEndian.PutUint64(buf[11:], h.Sender.Low)
	binary.LittleEndian.PutUint64(buf[19:], h.Counter)
	binary.LittleEndian.PutUint16(buf[27:], h.Index)
	binary.LittleEndian.PutUint16(buf[29:], h.Count)
	binary.LittleEndian.PutUint32(buf[31:], h.TotalSize)
	copy(buf[fragmentHeaderSize:], fragment)
	return buf
}

func unmarshalFragment(buf []byte) (*fragmentHeader, []byte, error) {
	if len(buf) < fragmentHeaderSize {
		return nil, nil, fmt.Errorf("transport: fragment shorter than header: %d bytes", len(buf))
	}
	if got := binary.LittleEndian.Uint16(buf[0:]); got != fragmentMagic {
		return nil, nil, fmt.Errorf("transport: bad fragment magic 0x%04x", got)
	}
	h := &fragmentHeader{
		Kind: buf[2],
		Sender: peerid.ID{
			High: binary.LittleEndian.Uint64(buf[3:]),
			Low:  binary.LittleEndian.Uint64(buf[11:]),
		},
		Counter:   binary.LittleEndian.Uint64(buf[19:]),
		Index:     binary.LittleEndian.Uint16(buf[27:]),
		Count:     binary.LittleEndian.Uint16(buf[29:]),
		TotalSize: binary.LittleEndian.Uint32(buf[31:]),
	}
	return h, buf[fragmentHeaderSize:], nil
}
