package peer

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zgreplica/zg/peerid"
)

func TestAddressBookSetAndRemove(t *testing.T) {
	b := newAddressBook()
	id, err := peerid.New()
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddr("fe80::1")

	_, ok := b.AddressOf(id)
	assert.False(t, ok)

	b.set(id, addr, 4242)
	got, ok := b.AddressOf(id)
	assert.True(t, ok)
	assert.Equal(t, netip.AddrPortFrom(addr, 4242), got)

	b.remove(id)
	_, ok = b.AddressOf(id)
	assert.False(t, ok)
}

func TestAddressBookIgnoresInvalidEntries(t *testing.T) {
	b := newAddressBook()
	id, err := peerid.New()
	if err != nil {
		t.Fatal(err)
	}
	b.set(id, netip.Addr{}, 4242) // invalid address
	_, ok := b.AddressOf(id)
	assert.False(t, ok)

	b.set(id, netip.MustParseAddr("fe80::1"), 0) // zero port
	_, ok = b.AddressOf(id)
	assert.False(t, ok)
}
