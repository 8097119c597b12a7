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

package peer

import (
	"net/netip"
	"sync"

	"github.com/zgreplica/zg/peerid"
)

// addressBook implements transport.AddressBook, kept in sync with
// MembershipView's peer_online/peer_offline events: a peer's TCP accept
// endpoint is its heartbeat source address paired with the TCPPort it
// advertises (spec.md §4.5).
type addressBook struct {
	mu    sync.RWMutex
	addrs map[peerid.ID]netip.AddrPort
}

func newAddressBook() *addressBook {
	return &addressBook{addrs: make(map[peerid.ID]netip.AddrPort)}
}

// AddressOf implements transport.AddressBook.
func (b *addressBook) AddressOf(p peerid.ID) (netip.AddrPort, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[p]
	return addr, ok
}

func (b *addressBook) set(p peerid.ID, addr netip.Addr, port uint16) {
	if !addr.IsValid() || port == 0 {
		return
	}
	b.mu.Lock()
	b.addrs[p] = netip.AddrPortFrom(addr, port)
	b.mu.Unlock()
}

func (b *addressBook) remove(p peerid.ID) {
	b.mu.Lock()
	delete(b.addrs, p)
	b.mu.Unlock()
}
