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

// Package codec implements the wire-level building blocks shared by every
// ZG record: zlib compression, the 32-bit checksum, and little-endian
// fixed-layout flattening for HeartbeatRecord, BeaconRecord and
// UpdateRecord (see spec.md §3 and §6).
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Type tags, little-endian on the wire, spelled out as ASCII the way the
// teacher's PTP header constants are documented by their byte meaning.
const (
	HeartbeatTypeTag uint32 = 0x7A676862 // "zghb"
	BeaconTypeTag    uint32 = 0x7A676264 // "zgbd"

	// HeartbeatMagic is the outer wrapper's magic number.
	HeartbeatMagic uint16 = 0x6512

	// AnnounceWhat identifies the TCP unicast announce-my-peer-id frame.
	AnnounceWhat uint32 = 0x756E6963 // "unic"
	// RequestBackOrderWhat identifies a back-order request frame.
	RequestBackOrderWhat uint32 = 0x756E6964 // "unid" (one past "unic")
	// ReplyBackOrderWhat identifies a back-order reply frame.
	ReplyBackOrderWhat uint32 = 0x756E6965 // "unie" (one past "unid")
	// RequestDatabaseUpdateWhat identifies a junior-to-senior mutation
	// request frame (request_reset/replace/update forwarded per spec.md
	// §4.4). spec.md §6 only names the wire format of the back-order RPC;
	// this tag extends the same TCP framing to carry the client-to-senior
	// leg that §4.4 requires but leaves to the (out of scope) application
	// message layer.
	RequestDatabaseUpdateWhat uint32 = 0x756E6966 // "unif" (one past "unie")
)

// Checksum32 returns a 32-bit checksum over b, used for the body checksum
// in the heartbeat wrapper and wherever spec.md calls for a "32-bit
// checksum". Grounded on the teacher's dependency on the xxhash family
// (cespare/xxhash) for fast non-cryptographic digests.
func Checksum32(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// Deflate zlib-compresses b.
func Deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("zlib deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate zlib-decompresses b.
func Inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("zlib inflate: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib inflate read: %w", err)
	}
	return out, nil
}

// CompatibilityVersion packs a library and an application compatibility
// code into the single 32-bit field spec.md §3 describes (upper 16 bits
// library, lower 16 bits application).
func CompatibilityVersion(lib, app uint16) uint32 {
	return uint32(lib)<<16 | uint32(app)
}

// SplitCompatibilityVersion is the inverse of CompatibilityVersion.
func SplitCompatibilityVersion(v uint32) (lib, app uint16) {
	return uint16(v >> 16), uint16(v)
}

// SystemKey hashes a signature and a system name into the 64-bit key that
// groups heartbeats into the same ZG system (spec.md §3, §6).
func SystemKey(signature, systemName string) uint64 {
	h := xxhash.New()
	_, _ = io.WriteString(h, signature)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, systemName)
	return h.Sum64()
}

// byteWriter is a tiny helper that mirrors the teacher's manual
// binary.LittleEndian.PutUintNN-into-a-growing-buffer style used in
// ptp/protocol/protocol.go, but little-endian per spec.md §3.
type byteWriter struct {
	buf []byte
}

func newByteWriter(capHint int) *byteWriter {
	return &byteWriter{buf: make([]byte, 0, capHint)}
}

func (w *byteWriter) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *byteWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *byteWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *byteWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// byteReader is the matching little-endian cursor-based reader.
type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(b []byte) *byteReader {
	return &byteReader{buf: b}
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) need(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, r.remaining())
	}
	return nil
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ErrTruncated is returned whenever a packet is shorter than its declared
// layout requires.
var ErrTruncated = fmt.Errorf("zg/codec: truncated packet")
