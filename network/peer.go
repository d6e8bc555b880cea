// Package network handles peer-to-peer communication over TCP using
// length-prefixed JSON messages.
package network

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MsgType labels a network message.
type MsgType string

const (
	MsgHello MsgType = "hello"
	MsgTx    MsgType = "tx"
	MsgBlock MsgType = "block"

	// Download-loop peer protocol (spec §6 "Peer protocol (consumed)").
	MsgGetCumulativeDifficulty MsgType = "get_cumulative_difficulty"
	MsgCumulativeDifficulty    MsgType = "cumulative_difficulty"
	MsgGetMilestoneBlockIds    MsgType = "get_milestone_block_ids"
	MsgMilestoneBlockIds       MsgType = "milestone_block_ids"
	MsgGetNextBlockIds         MsgType = "get_next_block_ids"
	MsgNextBlockIds            MsgType = "next_block_ids"
	MsgGetNextBlocks           MsgType = "get_next_blocks"
	MsgNextBlocks              MsgType = "next_blocks"
)

// Message is the envelope for all P2P communication. ReqID, when set,
// correlates a reply with the Request call that sent it; unsolicited
// messages (gossiped tx/block, hello) leave it empty.
type Message struct {
	Type    MsgType         `json:"type"`
	ReqID   string          `json:"req_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Peer represents a connected remote node.
type Peer struct {
	ID   string
	Addr string

	// Announced reports whether Addr is a dialable address, as opposed to a
	// bare accept()-side remote address the download loop cannot redial
	// (spec §4.2 step 1, "connected, announced-address peer"). Only outbound
	// Connect sets it; inbound peers stay unannounced.
	Announced bool

	conn   net.Conn
	mu     sync.Mutex
	closed bool

	blacklistMu    sync.Mutex
	blacklisted    bool
	blacklistCause string

	pendingMu sync.Mutex
	pending   map[string]chan Message
	reqSeq    uint64
}

// NewPeer wraps an established TCP connection as a Peer.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials the remote address and returns a connected Peer.
// If tlsCfg is non-nil the connection is established over TLS.
func Connect(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	p := NewPeer(id, addr, conn)
	p.Announced = true
	return p, nil
}

// Send writes a length-prefixed JSON message to the peer.
func (p *Peer) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	// 4-byte big-endian length prefix
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = p.conn.Write(data)
	return err
}

// Receive reads the next length-prefixed JSON message.
// A 30-second read deadline prevents a stalled peer from blocking indefinitely.
func (p *Peer) Receive() (Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > 32*1024*1024 { // 32 MB safety limit
		return Message{}, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}

// Request sends msg tagged with a fresh correlation id and blocks until a
// reply carrying that id arrives or timeout elapses. The download loop uses
// this for every synchronous peer-protocol exchange (spec §4.2/§6): unlike
// Send/Broadcast, which are fire-and-forget, the caller needs the answer
// before deciding its next step.
func (p *Peer) Request(msg Message, timeout time.Duration) (Message, error) {
	id := atomic.AddUint64(&p.reqSeq, 1)
	msg.ReqID = fmt.Sprintf("%s-%d", p.ID, id)

	ch := make(chan Message, 1)
	p.pendingMu.Lock()
	if p.pending == nil {
		p.pending = make(map[string]chan Message)
	}
	p.pending[msg.ReqID] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, msg.ReqID)
		p.pendingMu.Unlock()
	}()

	if err := p.Send(msg); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(timeout):
		return Message{}, fmt.Errorf("request %s to peer %s timed out", msg.Type, p.ID)
	}
}

// deliver routes an inbound message to a waiting Request call by ReqID,
// reporting whether it was claimed. readLoop calls this before dispatching
// to the type handler, so replies never reach a handler meant for
// unsolicited messages.
func (p *Peer) deliver(msg Message) bool {
	if msg.ReqID == "" {
		return false
	}
	p.pendingMu.Lock()
	ch, ok := p.pending[msg.ReqID]
	p.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// Blacklist marks the peer as having violated the download-loop protocol and
// closes its connection, per spec §4.2/§4.3/§7 ("violations blacklist the
// peer"). A blacklisted peer is dropped from its Node's peer table the next
// time its closed connection unwinds readLoop.
func (p *Peer) Blacklist(cause string) {
	p.blacklistMu.Lock()
	if !p.blacklisted {
		p.blacklisted = true
		p.blacklistCause = cause
	}
	p.blacklistMu.Unlock()
	p.Close()
}

// Blacklisted reports whether the peer has been blacklisted, and why.
func (p *Peer) Blacklisted() (bool, string) {
	p.blacklistMu.Lock()
	defer p.blacklistMu.Unlock()
	return p.blacklisted, p.blacklistCause
}
