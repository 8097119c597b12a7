package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
	"github.com/zgreplica/zg/timebase"
)

// fakeObject is a minimal Object whose state is just an integer counter,
// checksum = the counter value, good enough to exercise the apply state
// machine without a real tree database.
type fakeObject struct {
	counter uint32
	fail    bool
}

func (o *fakeObject) ResetToDefault() error { o.counter = 0; return nil }
func (o *fakeObject) SetFromArchive(b []byte) error {
	if len(b) != 4 {
		return assertErr("bad archive length")
	}
	o.counter = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return nil
}
func (o *fakeObject) SaveToArchive() ([]byte, error) {
	b := make([]byte, 4)
	b[0], b[1], b[2], b[3] = byte(o.counter), byte(o.counter>>8), byte(o.counter>>16), byte(o.counter>>24)
	return b, nil
}
func (o *fakeObject) RunningChecksum() uint32     { return o.counter }
func (o *fakeObject) RecalculateChecksum() uint32 { return o.counter }
func (o *fakeObject) ApplySenior(ctx *ApplyContext, req []byte) ([]byte, bool) {
	if o.fail {
		return nil, false
	}
	if len(req) != 4 {
		return nil, false
	}
	delta := uint32(req[0]) | uint32(req[1])<<8 | uint32(req[2])<<16 | uint32(req[3])<<24
	o.counter += delta
	reply := make([]byte, 4)
	reply[0], reply[1], reply[2], reply[3] = byte(delta), byte(delta>>8), byte(delta>>16), byte(delta>>24)
	return reply, true
}
func (o *fakeObject) ApplyJunior(reply []byte) error {
	if len(reply) != 4 {
		return assertErr("bad reply length")
	}
	delta := uint32(reply[0]) | uint32(reply[1])<<8 | uint32(reply[2])<<16 | uint32(reply[3])<<24
	o.counter += delta
	return nil
}
func (o *fakeObject) Describe() string { return "fakeObject" }

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeTransport struct {
	multicasted  []*codec.UpdateRecord
	beacons      []*codec.BeaconRecord
	backOrders   []BackOrderKey
	senttoSenior []codec.UpdateType
}

func (f *fakeTransport) MulticastUpdate(rec *codec.UpdateRecord) bool {
	f.multicasted = append(f.multicasted, rec)
	return true
}
func (f *fakeTransport) MulticastBeacon(rec *codec.BeaconRecord) bool {
	f.beacons = append(f.beacons, rec)
	return true
}
func (f *fakeTransport) RequestBackOrder(senior peerid.ID, dbIndex uint16, updateID uint64) error {
	f.backOrders = append(f.backOrders, BackOrderKey{TargetPeer: senior, DatabaseIndex: dbIndex, UpdateID: updateID})
	return nil
}
func (f *fakeTransport) SendRequestToSenior(senior peerid.ID, dbIndex uint16, t codec.UpdateType, payload []byte) error {
	f.senttoSenior = append(f.senttoSenior, t)
	return nil
}

type fakeMembership struct {
	local  peerid.ID
	senior peerid.ID
	have   bool
}

func (m *fakeMembership) LocalPeerID() peerid.ID    { return m.local }
func (m *fakeMembership) Senior() (peerid.ID, bool) { return m.senior, m.have }

func mustID(high, low uint64) peerid.ID { return peerid.ID{High: high, Low: low} }

func newTestPeerID() peerid.ID {
	id, err := peerid.New()
	if err != nil {
		panic(err)
	}
	return id
}

func deltaBytes(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func newTestDB(local peerid.ID, senior peerid.ID, haveSenior bool) (*ReplicatedDatabase, *fakeObject, *fakeTransport) {
	obj := &fakeObject{}
	transport := &fakeTransport{}
	membership := &fakeMembership{local: local, senior: senior, have: haveSenior}
	db := New(0, obj, DefaultMaxLogBytes, transport, membership, timebase.New())
	return db, obj, transport
}

func TestSeniorApplyAdvancesLocalIDAndChecksum(t *testing.T) {
	self := newTestPeerID()
	db, obj, transport := newTestDB(self, self, true)

	require.NoError(t, db.RequestUpdate(deltaBytes(5)))
	assert.Equal(t, uint64(1), db.CurrentStateID())
	assert.Equal(t, uint32(5), db.Checksum())
	assert.Equal(t, uint32(5), obj.counter)

	db.PublishPending()
	require.Len(t, transport.multicasted, 1)
	assert.Equal(t, uint64(1), transport.multicasted[0].UpdateID)
	assert.Equal(t, uint32(5), transport.multicasted[0].PostChecksum)
}

func TestSeniorApplyRefusedLeavesLogUnchanged(t *testing.T) {
	self := newTestPeerID()
	db, obj, _ := newTestDB(self, self, true)
	obj.fail = true

	err := db.RequestUpdate(deltaBytes(1))
	assert.ErrorIs(t, err, ErrDatabaseRefused)
	assert.Equal(t, uint64(0), db.CurrentStateID())
	assert.False(t, db.LogContains(1))
}

func TestJuniorRequestWithNoSeniorFails(t *testing.T) {
	self := newTestPeerID()
	db, _, _ := newTestDB(self, peerid.Nil, false)
	err := db.RequestUpdate(deltaBytes(1))
	assert.ErrorIs(t, err, ErrUnknownSenior)
}

func TestJuniorRequestForwardsToSenior(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	db, _, transport := newTestDB(self, senior, true)
	require.NoError(t, db.RequestUpdate(deltaBytes(3)))
	require.Len(t, transport.senttoSenior, 1)
	assert.Equal(t, codec.UpdateUpdate, transport.senttoSenior[0])
}

func TestRescanAppliesContiguousLogRecords(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	db, obj, _ := newTestDB(self, senior, true)

	rec := &codec.UpdateRecord{
		Type: codec.UpdateUpdate, DatabaseIndex: 0, Source: senior,
		UpdateID: 1, PreChecksum: 0, PostChecksum: 7, Payload: deltaBytes(7),
	}
	db.HandleMulticastUpdate(rec)
	db.state.SeniorID = 1
	db.Rescan()

	assert.Equal(t, uint64(1), db.CurrentStateID())
	assert.Equal(t, uint32(7), obj.counter)
}

func TestRescanRequestsBackOrderForGap(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	db, _, transport := newTestDB(self, senior, true)

	// senior is two updates ahead; record 1 is missing, record 2 is present.
	rec2 := &codec.UpdateRecord{
		Type: codec.UpdateUpdate, DatabaseIndex: 0, Source: senior,
		UpdateID: 2, PreChecksum: 7, PostChecksum: 14, Payload: deltaBytes(7),
	}
	db.HandleMulticastUpdate(rec2)
	db.state.SeniorID = 2
	db.state.SeniorOldestID = 1
	db.state.RescanPending = true
	db.Rescan()

	require.Len(t, transport.backOrders, 1)
	assert.Equal(t, uint64(1), transport.backOrders[0].UpdateID)
	assert.Equal(t, uint64(0), db.CurrentStateID()) // still blocked on the gap
}

func TestRescanChecksumMismatchTriggersFullResend(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	db, _, transport := newTestDB(self, senior, true)

	rec := &codec.UpdateRecord{
		Type: codec.UpdateUpdate, DatabaseIndex: 0, Source: senior,
		UpdateID: 1, PreChecksum: 99, PostChecksum: 7, Payload: deltaBytes(7), // wrong pre-checksum
	}
	db.HandleMulticastUpdate(rec)
	db.state.SeniorID = 1
	db.Rescan()

	require.Len(t, transport.backOrders, 1)
	assert.Equal(t, FullResendUpdateID, transport.backOrders[0].UpdateID)
}

func TestHandleBackOrderReplyFullResendAppliesArchive(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	db, obj, _ := newTestDB(self, senior, true)
	db.state.BackOrders[BackOrderKey{TargetPeer: senior, DatabaseIndex: 0, UpdateID: FullResendUpdateID}] = struct{}{}

	archive := deltaBytes(42)
	db.HandleBackOrderReply(senior, FullResendUpdateID, &codec.UpdateRecord{UpdateID: 9, Payload: archive})

	assert.Equal(t, uint64(9), db.CurrentStateID())
	assert.Equal(t, uint32(42), obj.counter)
}

func TestHandleBeaconFromNonSeniorDiscarded(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	impostor := newTestPeerID()
	db, _, _ := newTestDB(self, senior, true)

	db.HandleBeacon(impostor, codec.DatabaseStateInfo{CurrentStateID: 5})
	assert.Equal(t, uint64(0), db.state.SeniorID)
}

func TestHandleBeaconFromSeniorMarksRescanPending(t *testing.T) {
	self := newTestPeerID()
	senior := newTestPeerID()
	db, _, _ := newTestDB(self, senior, true)

	db.HandleBeacon(senior, codec.DatabaseStateInfo{CurrentStateID: 5, OldestRetained: 1})
	assert.True(t, db.state.RescanPending)
	assert.Equal(t, uint64(5), db.state.SeniorID)
}
