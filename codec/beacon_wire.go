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

import "fmt"

// DatabaseStateInfo is the 20-byte per-database summary carried by a
// BeaconRecord (spec.md §3).
type DatabaseStateInfo struct {
	CurrentStateID  uint64
	OldestRetained  uint64
	RunningChecksum uint32
}

const databaseStateInfoSize = 8 + 8 + 4

func (d DatabaseStateInfo) marshalInto(w *byteWriter) {
	w.u64(d.CurrentStateID)
	w.u64(d.OldestRetained)
	w.u32(d.RunningChecksum)
}

func unmarshalDatabaseStateInfo(r *byteReader) (DatabaseStateInfo, error) {
	var d DatabaseStateInfo
	var err error
	if d.CurrentStateID, err = r.u64(); err != nil {
		return d, err
	}
	if d.OldestRetained, err = r.u64(); err != nil {
		return d, err
	}
	if d.RunningChecksum, err = r.u32(); err != nil {
		return d, err
	}
	return d, nil
}

// BeaconRecord is emitted only by the senior, advertising every database's
// current state (spec.md §3, §6).
type BeaconRecord struct {
	Entries []DatabaseStateInfo
}

// Marshal flattens the BeaconRecord: a 32-bit type tag, a 32-bit entry
// count, then that many DatabaseStateInfo records.
func (b *BeaconRecord) Marshal() []byte {
	w := newByteWriter(8 + databaseStateInfoSize*len(b.Entries))
	w.u32(BeaconTypeTag)
	w.u32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		e.marshalInto(w)
	}
	return w.buf
}

// UnmarshalBeaconRecord parses a BeaconRecord from its wire layout.
func UnmarshalBeaconRecord(buf []byte) (*BeaconRecord, error) {
	r := newByteReader(buf)
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	if tag != BeaconTypeTag {
		return nil, fmt.Errorf("%w: bad beacon type tag 0x%08x", ErrMalformed, tag)
	}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	rec := &BeaconRecord{Entries: make([]DatabaseStateInfo, 0, count)}
	for i := uint32(0); i < count; i++ {
		e, err := unmarshalDatabaseStateInfo(r)
		if err != nil {
			return nil, err
		}
		rec.Entries = append(rec.Entries, e)
	}
	return rec, nil
}
