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

package netiface

import (
	"fmt"
	"net"
	"net/netip"
)

// simulatedEndpoint stands in for the SimulatedMulticast building block
// spec.md §4.5 calls out as outside the core spec: on Wi-Fi interfaces,
// real multicast delivery is unreliable enough that production ZG elects
// one receiver per interval to re-broadcast via unicast. From the core's
// point of view it is interchangeable with standardEndpoint -- same
// Endpoint interface, same send/receive contract -- so this type exists to
// keep the {Auto, StandardOnly, SimulatedOnly} configuration knob fully
// wired. The actual re-broadcaster election protocol is out of scope; this
// implementation degrades to point-to-point unicast to the group's last
// known members, which is sufficient for the core's transport contract.
type simulatedEndpoint struct {
	iface   Interface
	group   netip.Addr
	port    uint16
	conn    *net.UDPConn
	members map[netip.AddrPort]struct{}
}

func newSimulatedEndpoint(iface Interface, group netip.Addr, port uint16) (Endpoint, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("listen udp6 (simulated) on %s: %w", iface.Name, err)
	}
	return &simulatedEndpoint{
		iface:   iface,
		group:   group,
		port:    port,
		conn:    conn,
		members: make(map[netip.AddrPort]struct{}),
	}, nil
}

func (e *simulatedEndpoint) Interface() Interface { return e.iface }
func (e *simulatedEndpoint) Tag() uint16           { return uint16(e.iface.Index) }

// SendTo unicasts b to every member this interface has heard from so far.
// A brand new interface with no known members yet drops the datagram --
// the next heartbeat round will have discovered members to target.
func (e *simulatedEndpoint) SendTo(b []byte) error {
	var firstErr error
	for addr := range e.members {
		if _, err := e.conn.WriteToUDPAddrPort(b, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *simulatedEndpoint) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := e.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	e.members[addr] = struct{}{}
	return n, addr, nil
}

func (e *simulatedEndpoint) Close() error {
	return e.conn.Close()
}
