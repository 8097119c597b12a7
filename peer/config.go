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

// Package peer assembles the HeartbeatEngine, MembershipView, the
// ReplicatedDatabases, and PacketTransport into one running ZG peer
// (spec.md §5).
package peer

import (
	"fmt"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/netiface"
)

// libraryCompatibilityVersion is this module's own wire-compatibility
// generation (spec.md §6's "library" half of application_compatibility_
// version). Bumped only when the wire format changes.
const libraryCompatibilityVersion uint16 = 1

// Config is the full external configuration surface of one ZG peer
// (spec.md §6). Values left at zero pick up the documented defaults in
// DefaultConfig.
type Config struct {
	// Signature and SystemName together identify the ZG system this peer
	// joins; hashed into the 64-bit SystemKey that keeps unrelated
	// systems sharing a LAN from seeing each other's heartbeats.
	Signature  string `yaml:"signature"`
	SystemName string `yaml:"system_name"`

	// NumDatabases, if non-zero, must match the number of
	// database.Object values passed to New; it exists so a config file
	// can assert the expected shape independent of the program wiring
	// them up.
	NumDatabases uint16 `yaml:"num_databases"`

	SystemIsLocalhostOnly bool `yaml:"system_is_localhost_only"`

	// PeerType is codec.PeerTypeFullPeer or codec.PeerTypeJuniorOnly.
	PeerType uint16 `yaml:"peer_type"`

	HeartbeatsPerSecond           uint32 `yaml:"heartbeats_per_second"`
	HeartbeatsBeforeFullyAttached uint32 `yaml:"heartbeats_before_fully_attached"`
	MaxMissingHeartbeats          uint32 `yaml:"max_missing_heartbeats"`
	BeaconsPerSecond              uint32 `yaml:"beacons_per_second"`

	MulticastBehavior netiface.MulticastBehavior `yaml:"multicast_behavior"`

	MaxUpdateLogBytesPerDB int `yaml:"max_update_log_bytes_per_db"`

	// ApplicationCompatibilityVersion is the application's own half of
	// the compatibility word; the library half is fixed by this module.
	ApplicationCompatibilityVersion uint16 `yaml:"application_compatibility_version"`

	// PeerAttributes is opaque application data broadcast with every
	// heartbeat; it must be <= 65535 bytes once zlib-compressed (spec.md
	// §6), checked by heartbeat.New.
	PeerAttributes []byte `yaml:"peer_attributes"`

	// PortBase is the first of the two well-known UDP ports this system
	// uses (heartbeat = PortBase+1, data = PortBase+2, spec.md §4.7).
	PortBase uint16 `yaml:"port_base"`

	// TCPListenAddr is where the unicast back-order/request listener
	// binds; ":0" picks an ephemeral port, which is then advertised in
	// this peer's own heartbeats.
	TCPListenAddr string `yaml:"tcp_listen_addr"`
}

// DefaultConfig returns a Config with every spec.md §6 default filled in;
// callers still need to set Signature, SystemName, and usually PortBase.
func DefaultConfig() Config {
	return Config{
		PeerType:                      codec.PeerTypeFullPeer,
		HeartbeatsPerSecond:           6,
		HeartbeatsBeforeFullyAttached: 4,
		MaxMissingHeartbeats:          4,
		BeaconsPerSecond:              4,
		MaxUpdateLogBytesPerDB:        2 << 20,
		PortBase:                      netiface.DefaultPortBase,
		TCPListenAddr:                 ":0",
	}
}

// Validate checks that Config is internally consistent, deferring the
// heartbeat-specific checks to heartbeat.Settings.Validate (called from
// Peer.Start once the LocalPeerID and derived TCP port are known).
func (c *Config) Validate() error {
	if c.Signature == "" {
		return fmt.Errorf("peer: signature must not be empty")
	}
	if c.SystemName == "" {
		return fmt.Errorf("peer: system_name must not be empty")
	}
	if c.PeerType != codec.PeerTypeFullPeer && c.PeerType != codec.PeerTypeJuniorOnly {
		return fmt.Errorf("peer: unrecognized peer_type %d", c.PeerType)
	}
	if c.BeaconsPerSecond == 0 {
		return fmt.Errorf("peer: beacons_per_second must be positive")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	out := *c
	if out.HeartbeatsPerSecond == 0 {
		out.HeartbeatsPerSecond = d.HeartbeatsPerSecond
	}
	if out.HeartbeatsBeforeFullyAttached == 0 {
		out.HeartbeatsBeforeFullyAttached = d.HeartbeatsBeforeFullyAttached
	}
	if out.MaxMissingHeartbeats == 0 {
		out.MaxMissingHeartbeats = d.MaxMissingHeartbeats
	}
	if out.BeaconsPerSecond == 0 {
		out.BeaconsPerSecond = d.BeaconsPerSecond
	}
	if out.MaxUpdateLogBytesPerDB <= 0 {
		out.MaxUpdateLogBytesPerDB = d.MaxUpdateLogBytesPerDB
	}
	if out.PortBase == 0 {
		out.PortBase = d.PortBase
	}
	if out.TCPListenAddr == "" {
		out.TCPListenAddr = d.TCPListenAddr
	}
	return out
}
