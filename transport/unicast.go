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

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zgreplica/zg/codec"
	"github.com/zgreplica/zg/peerid"
)

// dialTimeout is the 5-second outgoing-connect budget of spec.md §4.5.
const dialTimeout = 5 * time.Second

// AddressBook resolves a PeerId to its advertised TCP accept endpoint,
// backed by the MembershipView snapshot in practice.
type AddressBook interface {
	AddressOf(peer peerid.ID) (netip.AddrPort, bool)
}

// session is one long-lived message-framing duplex TCP stream (spec.md
// §4.5). peer is the zero ID until the remote's announce frame arrives,
// which is the case for freshly-accepted incoming connections.
type session struct {
	conn     net.Conn
	writeMu  sync.Mutex
	peer     peerid.ID
	peerSeen chan struct{}
	once     sync.Once
}

func (s *session) setPeer(id peerid.ID) {
	s.once.Do(func() {
		s.peer = id
		close(s.peerSeen)
	})
}

// Unicast is the TCP-unicast half of PacketTransport: session lifecycle
// plus the back-order RPC and the database-request forwarding leg
// (spec.md §4.5, §4.4, §6).
type Unicast struct {
	localPeer peerid.ID
	addresses AddressBook
	listener  net.Listener

	onBackOrderRequest func(from peerid.ID, dbIndex uint16, updateID uint64)
	onBackOrderReply   func(from peerid.ID, dbIndex uint16, updateID uint64, rec *codec.UpdateRecord)
	onDatabaseRequest  func(from peerid.ID, dbIndex uint16, updateType codec.UpdateType, payload []byte)

	mu       sync.Mutex
	sessions map[peerid.ID]*session

	stopCh chan struct{}
}

// NewUnicast starts listening on listenAddr and returns a ready Unicast
// transport.
func NewUnicast(
	localPeer peerid.ID,
	listenAddr string,
	addresses AddressBook,
	onBackOrderRequest func(peerid.ID, uint16, uint64),
	onBackOrderReply func(peerid.ID, uint16, uint64, *codec.UpdateRecord),
	onDatabaseRequest func(peerid.ID, uint16, codec.UpdateType, []byte),
) (*Unicast, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	u := &Unicast{
		localPeer:          localPeer,
		addresses:          addresses,
		listener:           ln,
		onBackOrderRequest: onBackOrderRequest,
		onBackOrderReply:   onBackOrderReply,
		onDatabaseRequest:  onDatabaseRequest,
		sessions:           make(map[peerid.ID]*session),
		stopCh:             make(chan struct{}),
	}
	go u.acceptLoop()
	return u, nil
}

// Addr returns the listener's bound address, useful when listenAddr was
// "host:0".
func (u *Unicast) Addr() net.Addr { return u.listener.Addr() }

// Close stops accepting and ends every session.
func (u *Unicast) Close() {
	select {
	case <-u.stopCh:
	default:
		close(u.stopCh)
	}
	_ = u.listener.Close()
	u.mu.Lock()
	sessions := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.sessions = make(map[peerid.ID]*session)
	u.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

func (u *Unicast) acceptLoop() {
	for {
		conn, err := u.listener.Accept()
		if err != nil {
			select {
			case <-u.stopCh:
				return
			default:
			}
			log.Warningf("transport: accept failed: %v", err)
			return
		}
		sess := &session{conn: conn, peerSeen: make(chan struct{})}
		go u.sessionLoop(sess)
	}
}

// EndSessionsFor closes every session with peer and, per spec.md §4.5's
// peer_offline handling, lets the caller complete outstanding back-orders
// against that peer with "absent" replies.
func (u *Unicast) EndSessionsFor(peer peerid.ID) {
	u.mu.Lock()
	sess, ok := u.sessions[peer]
	if ok {
		delete(u.sessions, peer)
	}
	u.mu.Unlock()
	if ok {
		_ = sess.conn.Close()
	}
}

func (u *Unicast) ensureSession(peer peerid.ID) (*session, error) {
	u.mu.Lock()
	if sess, ok := u.sessions[peer]; ok {
		u.mu.Unlock()
		return sess, nil
	}
	u.mu.Unlock()

	addr, ok := u.addresses.AddressOf(peer)
	if !ok {
		return nil, fmt.Errorf("transport: no known address for peer %s", peer)
	}
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", peer, err)
	}
	sess := &session{conn: conn, peer: peer, peerSeen: make(chan struct{})}
	close(sess.peerSeen)

	if err := u.sendAnnounce(sess); err != nil {
		_ = conn.Close()
		return nil, err
	}

	u.mu.Lock()
	u.sessions[peer] = sess
	u.mu.Unlock()
	go u.sessionLoop(sess)
	return sess, nil
}

func (u *Unicast) sendAnnounce(sess *session) error {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:], u.localPeer.High)
	binary.LittleEndian.PutUint64(body[8:], u.localPeer.Low)
	return writeFrame(sess, codec.AnnounceWhat, body)
}

// RequestBackOrder implements database.Transport.
func (u *Unicast) RequestBackOrder(senior peerid.ID, dbIndex uint16, updateID uint64) error {
	sess, err := u.ensureSession(senior)
	if err != nil {
		return err
	}
	body := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(body[0:], uint32(dbIndex))
	binary.LittleEndian.PutUint64(body[4:], updateID)
	return writeFrame(sess, codec.RequestBackOrderWhat, body)
}

// ReplyBackOrder answers a back-order request; rec == nil encodes
// "absent" (spec.md §6).
func (u *Unicast) ReplyBackOrder(requester peerid.ID, dbIndex uint16, updateID uint64, rec *codec.UpdateRecord) error {
	sess, err := u.ensureSession(requester)
	if err != nil {
		return err
	}
	body := make([]byte, 4+8+1)
	binary.LittleEndian.PutUint32(body[0:], uint32(dbIndex))
	binary.LittleEndian.PutUint64(body[4:], updateID)
	if rec == nil {
		body[12] = 0
	} else {
		body[12] = 1
		flat, err := rec.Marshal()
		if err != nil {
			return err
		}
		body = append(body, flat...)
	}
	return writeFrame(sess, codec.ReplyBackOrderWhat, body)
}

// SendRequestToSenior implements database.Transport's junior-to-senior
// mutation request leg.
func (u *Unicast) SendRequestToSenior(senior peerid.ID, dbIndex uint16, updateType codec.UpdateType, payload []byte) error {
	sess, err := u.ensureSession(senior)
	if err != nil {
		return err
	}
	body := make([]byte, 4+1+len(payload))
	binary.LittleEndian.PutUint32(body[0:], uint32(dbIndex))
	body[4] = byte(updateType)
	copy(body[5:], payload)
	return writeFrame(sess, codec.RequestDatabaseUpdateWhat, body)
}

func writeFrame(sess *session, what uint32, body []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:], uint32(4+len(body)))
	binary.LittleEndian.PutUint32(header[4:], what)
	if _, err := sess.conn.Write(header); err != nil {
		return err
	}
	_, err := sess.conn.Write(body)
	return err
}

func readFrame(conn net.Conn) (what uint32, body []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < 4 {
		return 0, nil, fmt.Errorf("transport: frame too short: %d", length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return 0, nil, err
	}
	what = binary.LittleEndian.Uint32(rest[0:4])
	return what, rest[4:], nil
}

func (u *Unicast) sessionLoop(sess *session) {
	defer func() {
		_ = sess.conn.Close()
		u.mu.Lock()
		if u.sessions[sess.peer] == sess {
			delete(u.sessions, sess.peer)
		}
		u.mu.Unlock()
	}()

	for {
		what, body, err := readFrame(sess.conn)
		if err != nil {
			if err != io.EOF {
				log.Debugf("transport: session read error: %v", err)
			}
			return
		}
		switch what {
		case codec.AnnounceWhat:
			if len(body) < 16 {
				continue
			}
			id := peerid.ID{
				High: binary.LittleEndian.Uint64(body[0:]),
				Low:  binary.LittleEndian.Uint64(body[8:]),
			}
			sess.setPeer(id)
			u.mu.Lock()
			u.sessions[id] = sess
			u.mu.Unlock()

		case codec.RequestBackOrderWhat:
			if len(body) < 12 {
				continue
			}
			dbi := uint16(binary.LittleEndian.Uint32(body[0:]))
			dui := binary.LittleEndian.Uint64(body[4:])
			u.onBackOrderRequest(sess.peer, dbi, dui)

		case codec.ReplyBackOrderWhat:
			if len(body) < 13 {
				continue
			}
			dbi := uint16(binary.LittleEndian.Uint32(body[0:]))
			dui := binary.LittleEndian.Uint64(body[4:])
			var rec *codec.UpdateRecord
			if body[12] == 1 {
				r, err := codec.UnmarshalUpdateRecord(body[13:])
				if err != nil {
					log.Debugf("transport: malformed back-order reply: %v", err)
					continue
				}
				rec = r
			}
			u.onBackOrderReply(sess.peer, dbi, dui, rec)

		case codec.RequestDatabaseUpdateWhat:
			if len(body) < 5 {
				continue
			}
			dbi := uint16(binary.LittleEndian.Uint32(body[0:]))
			updateType := codec.UpdateType(body[4])
			u.onDatabaseRequest(sess.peer, dbi, updateType, append([]byte(nil), body[5:]...))

		default:
			log.Debugf("transport: unknown frame type 0x%08x", what)
		}
	}
}
