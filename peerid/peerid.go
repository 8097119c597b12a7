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

// Package peerid implements the 128-bit opaque identifier that ZG assigns
// to every peer process at startup.
package peerid

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ID uniquely identifies one ZG peer process for the lifetime of that
// process. The zero value is the invalid/absent ID.
type ID struct {
	High uint64
	Low  uint64
}

// Nil is the invalid/absent PeerId.
var Nil = ID{}

// IsValid reports whether id has any non-zero bits.
func (id ID) IsValid() bool {
	return id.High != 0 || id.Low != 0
}

// Less implements the fixed ordering: unsigned lexicographic by High then Low.
func (id ID) Less(other ID) bool {
	if id.High != other.High {
		return id.High < other.High
	}
	return id.Low < other.Low
}

// Compare returns -1, 0 or 1 as id is less than, equal to, or greater than other.
func (id ID) Compare(other ID) int {
	switch {
	case id == other:
		return 0
	case id.Less(other):
		return -1
	default:
		return 1
	}
}

// String renders the canonical "HHHH...H:LLLL...L" text form (16 hex
// digits on each side of the colon).
func (id ID) String() string {
	return fmt.Sprintf("%016x:%016x", id.High, id.Low)
}

// Checksum returns a 32-bit checksum for this ID, combining both halves the
// way original_source/ZGPeerID.h's CalculateChecksum does (high + 3*low).
func (id ID) Checksum() uint32 {
	return checksum64(id.High) + 3*checksum64(id.Low)
}

func checksum64(v uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return uint32(xxhash.Sum64(b[:]))
}

// Parse parses the canonical text form produced by String. An empty or
// malformed string yields Nil, matching the original's tolerant FromString.
func Parse(s string) ID {
	high, low, ok := strings.Cut(s, ":")
	if !ok {
		return Nil
	}
	h, err := strconv.ParseUint(high, 16, 64)
	if err != nil {
		return Nil
	}
	l, err := strconv.ParseUint(low, 16, 64)
	if err != nil {
		return Nil
	}
	return ID{High: h, Low: l}
}

// counter is the per-process monotonic counter mixed into every newly
// generated ID so that two peers started on the same host in the same
// second still never collide.
var counter atomic.Uint64

// New constructs a fresh PeerId by mixing a local MAC address, the OS
// process id and a per-process monotonic counter, then hashing the result
// into two independent 64-bit halves with xxhash. This is the recommended
// construction from spec.md §3.
func New() (ID, error) {
	mac, err := localMAC()
	if err != nil {
		return Nil, err
	}
	n := counter.Add(1)

	seed := make([]byte, 0, len(mac)+8+8)
	seed = append(seed, mac...)
	seed = binary.LittleEndian.AppendUint64(seed, uint64(os.Getpid()))
	seed = binary.LittleEndian.AppendUint64(seed, n)

	high := xxhash.Sum64(append(seed, 'h'))
	low := xxhash.Sum64(append(seed, 'l'))
	id := ID{High: high, Low: low}
	if !id.IsValid() {
		// astronomically unlikely (would require both hashes to be zero),
		// but New() must never silently hand back the invalid ID.
		id.Low = 1
	}
	return id, nil
}

func localMAC() (net.HardwareAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerating interfaces for peer id: %w", err)
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		return iface.HardwareAddr, nil
	}
	// no usable hardware address (e.g. containers with no physical NIC) --
	// fall back to a fixed pseudo-MAC so peer ids are still deterministic
	// per-process rather than failing to start.
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, nil
}
