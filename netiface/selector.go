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

// Package netiface implements the NetworkInterfaceSelector (spec.md §4.7):
// interface enumeration, wired-vs-Wi-Fi classification, and derivation of
// the per-system link-local multicast endpoints.
package netiface

import (
	"fmt"
	"net"
	"net/netip"
	"sort"

	log "github.com/sirupsen/logrus"
)

// DefaultPortBase is the first of the two UDP ports a system uses
// (heartbeat = base+1, data = base+2), per spec.md §4.7.
const DefaultPortBase = 41880

// MulticastBehavior selects how a given interface carries multicast
// traffic (spec.md §4.5, §6).
type MulticastBehavior int

// The three supported behaviors.
const (
	Auto MulticastBehavior = iota
	StandardOnly
	SimulatedOnly
)

// Interface describes one usable local network interface.
type Interface struct {
	Name       string
	Index      int
	LinkLocal  netip.Addr
	IsWireless bool
}

// Endpoint is one interface's multicast send/receive socket, abstracted so
// that package heartbeat and package transport don't need to know how the
// socket was constructed (real kernel multicast vs. the simulated
// endpoint, spec.md §4.5).
type Endpoint interface {
	Interface() Interface
	// Tag is this process's local numbering of the interface, reported to
	// peers as the heartbeat source-tag (spec.md §3).
	Tag() uint16
	SendTo(b []byte) error
	// RecvFrom blocks until a packet arrives or the endpoint is closed.
	RecvFrom(buf []byte) (n int, from netip.AddrPort, err error)
	Close() error
}

// Selector enumerates usable interfaces and builds their multicast
// endpoints.
type Selector struct {
	LocalhostOnly bool
	Behavior      MulticastBehavior
}

// Interfaces enumerates link-local-capable interfaces suitable for
// multicast, sorted by name for reproducibility (spec.md §4.7). It prefers
// the netlink-derived listing (ListLinks) when available and falls back to
// net.Interfaces otherwise.
func (s *Selector) Interfaces() ([]Interface, error) {
	links, err := ListLinks()
	if err != nil {
		log.Warningf("netiface: netlink interface listing unavailable (%v), falling back to net.Interfaces", err)
		links, err = listLinksFallback()
		if err != nil {
			return nil, err
		}
	}

	out := make([]Interface, 0, len(links))
	for _, l := range links {
		if !s.LocalhostOnly && l.Name == "lo" {
			continue
		}
		if s.LocalhostOnly && l.Name != "lo" {
			continue
		}
		if l.LinkLocal.IsValid() || s.LocalhostOnly {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		out[i].Index = i // our own stable per-process numbering, used as the wire source-tag
	}
	return out, nil
}

// MulticastAddress derives ff02::<salted> from the system key the way
// spec.md §4.7 describes: mixing the signature/system-name hash (folded
// into systemKey already, see codec.SystemKey) and the UDP port so that
// distinct ZG systems on one LAN do not collide.
func MulticastAddress(systemKey uint64, port uint16) netip.Addr {
	var b [16]byte
	b[0], b[1] = 0xff, 0x02 // ff02::/16, link-local scope
	// low 64 bits mix systemKey and port.
	for i := 0; i < 8; i++ {
		b[8+i] = byte(systemKey >> (8 * (7 - i)))
	}
	b[14] ^= byte(port >> 8)
	b[15] ^= byte(port)
	return netip.AddrFrom16(b)
}

// Endpoints builds one Endpoint per usable interface for the given
// multicast group and UDP port, honoring s.Behavior per interface (Wi-Fi
// interfaces get SimulatedMulticast under Auto).
func (s *Selector) Endpoints(systemKey uint64, port uint16) ([]Endpoint, error) {
	ifaces, err := s.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netiface: %w", err)
	}
	group := MulticastAddress(systemKey, port)

	endpoints := make([]Endpoint, 0, len(ifaces))
	for _, iface := range ifaces {
		useSimulated := s.Behavior == SimulatedOnly || (s.Behavior == Auto && iface.IsWireless)
		var ep Endpoint
		var err error
		if useSimulated {
			ep, err = newSimulatedEndpoint(iface, group, port)
		} else {
			ep, err = newStandardEndpoint(iface, group, port)
		}
		if err != nil {
			log.Warningf("netiface: dropping interface %s from rotation: %v", iface.Name, err)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("netiface: no usable interfaces for multicast group %s", group)
	}
	return endpoints, nil
}

// HeartbeatPort and DataPort compute the two well-known per-system ports
// from a configured base (spec.md §4.7).
func HeartbeatPort(base uint16) uint16 { return base + 1 }
func DataPort(base uint16) uint16      { return base + 2 }

func ipnetContainsLinkLocal(ips []net.Addr) (netip.Addr, bool) {
	for _, a := range ips {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is6() && addr.IsLinkLocalUnicast() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func listLinksFallback() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 && iface.Name != "lo" {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ll, ok := ipnetContainsLinkLocal(addrs)
		if !ok && iface.Name != "lo" {
			continue
		}
		out = append(out, Interface{
			Name:       iface.Name,
			LinkLocal:  ll,
			IsWireless: looksWireless(iface.Name),
		})
	}
	return out, nil
}

// looksWireless applies the teacher's pragmatic name-prefix heuristic
// (wired interfaces are eth*/en*, wireless ones wl*/wlan*) for the
// net.Interfaces fallback, and on Linux for links whose netlink kind does
// not identify them as wireless.
func looksWireless(name string) bool {
	for _, prefix := range []string{"wl", "wlan", "ath"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
