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

// Package database implements the replicated update log and senior/junior
// apply state machine described in spec.md §3, §4.3 and §4.4. Everything
// built on top of a replicated database -- the tree/node-path database
// object family and its clients -- is external and reaches this package
// only through the Object interface.
package database

// Object is the DatabaseObject external contract (spec.md §4.3). The
// application supplies one implementation per database index; this
// package never inspects a database's contents, only its checksums and
// serialized archive form.
type Object interface {
	// ResetToDefault restores the well-known empty/initial state. Must be
	// deterministic.
	ResetToDefault() error

	// SetFromArchive replaces the entire state from bytes previously
	// produced by SaveToArchive. It fails only on malformed input.
	SetFromArchive(archive []byte) error

	// SaveToArchive serializes the entire current state. Round-trips with
	// SetFromArchive.
	SaveToArchive() ([]byte, error)

	// RunningChecksum is an O(1) accessor for the checksum the
	// implementation maintains incrementally.
	RunningChecksum() uint32

	// RecalculateChecksum recomputes from scratch; used only for
	// sanity-checking after a mismatch.
	RecalculateChecksum() uint32

	// ApplySenior is called on the senior peer: it mutates state and
	// returns the payload juniors must apply to reach the same state. ok
	// is false when the request is refused.
	ApplySenior(ctx *ApplyContext, requestPayload []byte) (replyPayload []byte, ok bool)

	// ApplyJunior is called on every junior to apply the senior's
	// previously computed reply.
	ApplyJunior(replyPayload []byte) error

	// Describe returns a human-readable dump for diagnostics.
	Describe() string
}

// ApplyContext is the restricted interface a DatabaseObject may use during
// ApplySenior to request further mutation of this same database (spec.md
// §4.3: "only through a restricted interface"). It is not a
// general-purpose callback; it only collects the named requests, which are
// logged after the apply and not re-submitted.
type ApplyContext struct {
	requestedReset   bool
	requestedReplace []byte
	hasReplace       bool
	requestedUpdate  [][]byte
}

// RequestReset queues a follow-up reset of this database.
func (c *ApplyContext) RequestReset() { c.requestedReset = true }

// RequestReplace queues a follow-up full-replace of this database.
func (c *ApplyContext) RequestReplace(newState []byte) {
	c.requestedReplace = newState
	c.hasReplace = true
}

// RequestUpdate queues a follow-up delta update of this database.
func (c *ApplyContext) RequestUpdate(delta []byte) {
	c.requestedUpdate = append(c.requestedUpdate, delta)
}
