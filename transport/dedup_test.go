package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zgreplica/zg/peerid"
)

func TestTagLRUDetectsDuplicate(t *testing.T) {
	l := newTagLRU(4)
	tag := MessageTag{Sender: peerid.ID{High: 1, Low: 2}, Counter: 7}
	assert.False(t, l.contains(tag))
	l.insert(tag)
	assert.True(t, l.contains(tag))
}

func TestTagLRUEvictsOldest(t *testing.T) {
	l := newTagLRU(2)
	a := MessageTag{Sender: peerid.ID{High: 1}, Counter: 1}
	b := MessageTag{Sender: peerid.ID{High: 1}, Counter: 2}
	c := MessageTag{Sender: peerid.ID{High: 1}, Counter: 3}

	l.insert(a)
	l.insert(b)
	l.insert(c) // evicts a

	assert.False(t, l.contains(a)) // a was evicted, so it's "new" again
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	h := &fragmentHeader{
		Kind:      kindData,
		Sender:    peerid.ID{High: 11, Low: 22},
		Counter:   99,
		Index:     1,
		Count:     3,
		TotalSize: 4096,
	}
	raw := h.marshal([]byte("fragment-body"))
	got, body, err := unmarshalFragment(raw)
	assert := assert.New(t)
	assert.NoError(err)
	assert.Equal(h.Kind, got.Kind)
	assert.Equal(h.Sender, got.Sender)
	assert.Equal(h.Counter, got.Counter)
	assert.Equal(h.Index, got.Index)
	assert.Equal(h.Count, got.Count)
	assert.Equal(h.TotalSize, got.TotalSize)
	assert.Equal("fragment-body", string(body))
}
