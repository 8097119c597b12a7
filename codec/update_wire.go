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

// UpdateType enumerates the four kinds of log entry spec.md §3 defines.
type UpdateType uint8

// The four UpdateRecord kinds.
const (
	UpdateNoop UpdateType = iota
	UpdateReset
	UpdateReplace
	UpdateUpdate
)

// String names an UpdateType for logging.
func (t UpdateType) String() string {
	switch t {
	case UpdateNoop:
		return "Noop"
	case UpdateReset:
		return "Reset"
	case UpdateReplace:
		return "Replace"
	case UpdateUpdate:
		return "Update"
	default:
		return fmt.Sprintf("UpdateType(%d)", uint8(t))
	}
}

// UpdateRecord is one entry in a database's replicated log (spec.md §3).
type UpdateRecord struct {
	Type               UpdateType
	DatabaseIndex      uint16
	SeniorElapsedMs    uint16
	SeniorStartNetTime uint64
	Source             peerid.ID
	UpdateID           uint64
	PreChecksum        uint32
	PostChecksum       uint32
	SelfChecksum       uint32
	Payload            []byte
}

// Marshal flattens the record, little-endian, with a 32-bit length prefix
// in front of the opaque payload.
func (u *UpdateRecord) Marshal() ([]byte, error) {
	if len(u.Payload) > 0x7FFFFFFF {
		return nil, fmt.Errorf("zg/codec: update payload too large: %d bytes", len(u.Payload))
	}
	w := newByteWriter(48 + len(u.Payload))
	w.buf = append(w.buf, byte(u.Type))
	w.u16(u.DatabaseIndex)
	w.u16(u.SeniorElapsedMs)
	w.u64(u.SeniorStartNetTime)
	w.u64(u.Source.High)
	w.u64(u.Source.Low)
	w.u64(u.UpdateID)
	w.u32(u.PreChecksum)
	w.u32(u.PostChecksum)
	w.u32(u.SelfChecksum)
	w.u32(uint32(len(u.Payload)))
	w.raw(u.Payload)
	return w.buf, nil
}

// UnmarshalUpdateRecord is the inverse of Marshal.
func UnmarshalUpdateRecord(b []byte) (*UpdateRecord, error) {
	if len(b) < 1 {
		return nil, ErrTruncated
	}
	u := &UpdateRecord{Type: UpdateType(b[0])}
	r := newByteReader(b[1:])
	var err error
	if u.DatabaseIndex, err = r.u16(); err != nil {
		return nil, err
	}
	if u.SeniorElapsedMs, err = r.u16(); err != nil {
		return nil, err
	}
	if u.SeniorStartNetTime, err = r.u64(); err != nil {
		return nil, err
	}
	if u.Source.High, err = r.u64(); err != nil {
		return nil, err
	}
	if u.Source.Low, err = r.u64(); err != nil {
		return nil, err
	}
	if u.UpdateID, err = r.u64(); err != nil {
		return nil, err
	}
	if u.PreChecksum, err = r.u32(); err != nil {
		return nil, err
	}
	if u.PostChecksum, err = r.u32(); err != nil {
		return nil, err
	}
	if u.SelfChecksum, err = r.u32(); err != nil {
		return nil, err
	}
	plen, err := r.u32()
	if err != nil {
		return nil, err
	}
	payload, err := r.raw(int(plen))
	if err != nil {
		return nil, err
	}
	u.Payload = append([]byte(nil), payload...)
	return u, nil
}

// ComputeSelfChecksum returns the checksum of the record's identity and
// payload, used to populate SelfChecksum before the record goes on the
// wire (it does not cover SelfChecksum itself).
func (u *UpdateRecord) ComputeSelfChecksum() uint32 {
	saved := u.SelfChecksum
	u.SelfChecksum = 0
	flat, err := u.Marshal()
	u.SelfChecksum = saved
	if err != nil {
		return 0
	}
	return Checksum32(flat)
}
