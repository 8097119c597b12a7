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

	"golang.org/x/net/ipv6"
)

// connFd extracts the raw file descriptor of a UDP connection, the same
// SyscallConn pattern the teacher's timestamp.ConnFd uses.
func connFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := sc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// standardEndpoint is a real-kernel-multicast Endpoint, joined to the
// link-local group on one interface via golang.org/x/net/ipv6.
type standardEndpoint struct {
	iface Interface
	group netip.Addr
	port  uint16
	conn  *net.UDPConn
	pc    *ipv6.PacketConn
}

func newStandardEndpoint(iface Interface, group netip.Addr, port uint16) (Endpoint, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("listen udp6 on %s: %w", iface.Name, err)
	}
	pc := ipv6.NewPacketConn(conn)

	netIface, err := net.InterfaceByName(iface.Name)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("interface %s: %w", iface.Name, err)
	}
	if err := pc.JoinGroup(netIface, &net.UDPAddr{IP: net.IP(group.AsSlice())}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join group %s on %s: %w", group, iface.Name, err)
	}
	if err := pc.SetMulticastInterface(netIface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast interface %s: %w", iface.Name, err)
	}

	if fd, err := connFd(conn); err == nil {
		if dscpErr := enableDSCP(fd, net.IP(group.AsSlice()), defaultDSCP); dscpErr != nil {
			// DSCP is transport hygiene, not correctness -- count and continue.
			tagDSCPFailures.Add(1)
		}
	}

	return &standardEndpoint{
		iface: iface,
		group: group,
		port:  port,
		conn:  conn,
		pc:    pc,
	}, nil
}

// defaultDSCP is the best-effort DSCP class applied to heartbeat/data
// sockets (CS6, the conventional network-control class).
const defaultDSCP = 48

// tagDSCPFailures counts failed DSCP tagging attempts. It is package-private
// and is not read or exported as a metric.
var tagDSCPFailures counter64

type counter64 struct{ v uint64 }

func (c *counter64) Add(n uint64) { c.v += n }

func (e *standardEndpoint) Interface() Interface { return e.iface }
func (e *standardEndpoint) Tag() uint16           { return uint16(e.iface.Index) }

func (e *standardEndpoint) SendTo(b []byte) error {
	dst := &net.UDPAddr{IP: net.IP(e.group.AsSlice()), Port: int(e.port)}
	_, err := e.conn.WriteTo(b, dst)
	return err
}

func (e *standardEndpoint) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	ap, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return n, netip.AddrPort{}, fmt.Errorf("netiface: bad source address %v", addr)
	}
	return n, netip.AddrPortFrom(ap.Unmap(), uint16(addr.Port)), nil
}

func (e *standardEndpoint) Close() error {
	return e.conn.Close()
}
