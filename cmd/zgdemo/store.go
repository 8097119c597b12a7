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

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/database"
)

// kvStore is a tiny replicated string/string map used as zgdemo's only
// database. Real applications bring their own database.Object; this one
// exists to exercise the full senior/junior apply cycle end to end.
type kvStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newKVStore() *kvStore {
	return &kvStore{data: make(map[string]string)}
}

func (s *kvStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
	return nil
}

func (s *kvStore) SetFromArchive(archive []byte) error {
	r := bytes.NewReader(archive)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("zgdemo: bad archive header: %w", err)
	}
	m := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, err := readString(r)
		if err != nil {
			return fmt.Errorf("zgdemo: bad archive key %d: %w", i, err)
		}
		v, err := readString(r)
		if err != nil {
			return fmt.Errorf("zgdemo: bad archive value %d: %w", i, err)
		}
		m[k] = v
	}
	s.mu.Lock()
	s.data = m
	s.mu.Unlock()
	return nil
}

func (s *kvStore) SaveToArchive() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sortedKeysLocked()

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(keys)))
	for _, k := range keys {
		writeString(&buf, k)
		writeString(&buf, s.data[k])
	}
	return buf.Bytes(), nil
}

func (s *kvStore) RunningChecksum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksumLocked()
}

func (s *kvStore) RecalculateChecksum() uint32 {
	return s.RunningChecksum()
}

func (s *kvStore) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *kvStore) checksumLocked() uint32 {
	var buf bytes.Buffer
	for _, k := range s.sortedKeysLocked() {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(s.data[k])
		buf.WriteByte(0)
	}
	return codec.Checksum32(buf.Bytes())
}

// ApplySenior decodes a "key\x00value" request, stores it, and hands back
// the same bytes as the reply every junior then applies verbatim.
func (s *kvStore) ApplySenior(_ *database.ApplyContext, req []byte) ([]byte, bool) {
	k, v, ok := splitKV(req)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	s.data[k] = v
	s.mu.Unlock()
	return req, true
}

func (s *kvStore) ApplyJunior(reply []byte) error {
	k, v, ok := splitKV(reply)
	if !ok {
		return errors.New("zgdemo: malformed update reply")
	}
	s.mu.Lock()
	s.data[k] = v
	s.mu.Unlock()
	return nil
}

func (s *kvStore) Describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d keys, checksum=0x%08x", len(s.data), s.checksumLocked())
}

func splitKV(b []byte) (string, string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", "", false
	}
	return string(b[:i]), string(b[i+1:]), true
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}
