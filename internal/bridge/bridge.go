// Package bridge implements the stateless SIS↔DTS mapper spec.md §4.8
// names: it turns a validated SIS UNIDATA_REQUEST into a DTS transmit
// allocation on the addressed peer link, and turns a DTS-reassembled
// C_PDU into a SIS UNIDATA_INDICATION delivered to the bound SAP. It
// sits above both leaf packages, implementing sis.Bridge and
// dts.Deliverer, so neither of them needs to import the other.
package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/dbehnke/s5066d/internal/addr"
	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/dts"
	"github.com/dbehnke/s5066d/internal/registry"
	"github.com/dbehnke/s5066d/internal/sis"
)

// TransmissionMode tags byte 6 of a UNIDATA_REQUEST/INDICATION body.
// spec.md §4.6 names the three modes without assigning wire values;
// this core picks the natural ordering (see DESIGN.md).
type TransmissionMode byte

const (
	ModeNonARQ    TransmissionMode = 0
	ModeARQ       TransmissionMode = 1
	ModeBroadcast TransmissionMode = 2
)

// ErrNoRoute is returned when no DTS peer connection is registered for
// a destination address. Routing beyond the explicit peer list is a
// declared non-goal, so this is a terminal condition, not a retry.
var ErrNoRoute = fmt.Errorf("bridge: no peer link for destination address")

// ErrPayloadTooLarge is returned when a C_PDU exceeds the DTS layer's
// maximum.
var ErrPayloadTooLarge = fmt.Errorf("bridge: payload exceeds max C_PDU size")

// Bridge holds the shared tables both translation directions need:
// the SAP table for indication delivery, the DTS peer-state table for
// transmit allocation, and an address-to-connection index the DTS
// decoder populates as each peer's D_PDUs reveal its address (see
// RegisterPeer).
type Bridge struct {
	SAPs  *registry.SAPTable
	Peers *dts.PeerTable

	// LocalAddr is this node's own STANAG address, used as the Src
	// field of every outbound D_PDU.
	LocalAddr []byte

	// Log receives warnings for undeliverable traffic (spec.md §4.8's
	// discard conditions). Nil is fine.
	Log *log.Logger

	mu       sync.Mutex
	byAddr   map[[4]byte]*conn.Connection
	nextCPDU uint32
}

// New constructs a bridge over the daemon's shared SAP and peer tables.
func New(saps *registry.SAPTable, peers *dts.PeerTable, localAddr []byte) *Bridge {
	return &Bridge{
		SAPs:      saps,
		Peers:     peers,
		LocalAddr: localAddr,
		byAddr:    make(map[[4]byte]*conn.Connection),
	}
}

func (b *Bridge) warn(msg string, keyvals ...interface{}) {
	if b.Log != nil {
		b.Log.Warn(msg, keyvals...)
	}
}

// RegisterPeer records that addr is reachable over c. Implements
// dts.Deliverer's address-learning half: the peer directive grammar
// (spec.md §6) carries no STANAG address, only a host:port, so the
// route table is populated lazily as the DTS decoder observes each
// peer's own D_PDUs rather than at dial/accept time.
func (b *Bridge) RegisterPeer(addr [4]byte, c *conn.Connection) {
	b.mu.Lock()
	b.byAddr[addr] = c
	b.mu.Unlock()
}

// UnregisterPeer drops every address routed to c, on connection close.
func (b *Bridge) UnregisterPeer(c *conn.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for a, pc := range b.byAddr {
		if pc == c {
			delete(b.byAddr, a)
		}
	}
}

func (b *Bridge) lookupPeer(destAddr [4]byte) *conn.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byAddr[destAddr]
}

func (b *Bridge) peers() []*conn.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn.Connection, 0, len(b.byAddr))
	seen := make(map[*conn.Connection]bool)
	for _, c := range b.byAddr {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func (b *Bridge) nextCPDUID() uint16 {
	n := atomic.AddUint32(&b.nextCPDU, 1)
	return uint16(n % (dts.MaxCPDUID + 1))
}

// SendUnidata implements sis.Bridge: it is invoked by the SIS decoder
// on a validated UNIDATA_REQUEST and routes the U_PDU onto the DTS
// transmit side of the addressed peer link, per spec.md §4.8.
func (b *Bridge) SendUnidata(destSAP uint8, destAddr [4]byte, deliveryMode, transmissionMode byte, payload []byte) error {
	if len(payload) > dts.MaxCPDU {
		return ErrPayloadTooLarge
	}

	if TransmissionMode(transmissionMode) == ModeBroadcast {
		var firstErr error
		for _, c := range b.peers() {
			if err := b.sendOne(c, destAddr, ModeNonARQ, payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	c := b.lookupPeer(destAddr)
	if c == nil {
		b.warn("unidata request has no route", "destAddr", destAddr, "destSAP", destSAP)
		return ErrNoRoute
	}
	return b.sendOne(c, destAddr, TransmissionMode(transmissionMode), payload)
}

func (b *Bridge) sendOne(c *conn.Connection, destAddr [4]byte, mode TransmissionMode, payload []byte) error {
	if c.Pool == nil {
		return fmt.Errorf("bridge: peer connection has no PDU pool")
	}
	peer := b.Peers.Get(c)
	addrs := addr.Pair{Src: b.LocalAddr, Dst: destAddr[:]}

	if mode == ModeARQ {
		return dts.SendARQ(peer, c.Pool, addrs, chunk(payload, dts.MaxSegment))
	}
	return dts.SendNonARQ(peer, c.Pool, addrs, b.nextCPDUID(), payload, dts.MaxSegment)
}

func chunk(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{payload}
	}
	var out [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}

// DeliverCPDU implements dts.Deliverer: it is invoked by the DTS
// decoder once a C_PDU has been fully reassembled (Non-ARQ) or
// delivered in order (ARQ), and forwards it as a SIS UNIDATA_INDICATION
// to whatever client connection is bound to destSAP. An unbound SAP is
// a discard (logged as a warning), per spec.md §4.8.
func (b *Bridge) DeliverCPDU(destSAP uint8, payload []byte) {
	c, ok := b.SAPs.Lookup(destSAP)
	if !ok {
		b.warn("reassembled C_PDU has no bound destination SAP", "destSAP", destSAP)
		return
	}
	if len(payload) > sis.BroadcastMTU {
		b.warn("reassembled C_PDU exceeds broadcast MTU, discarding", "destSAP", destSAP, "len", len(payload))
		return
	}
	if c.Pool == nil {
		return
	}

	var srcAddr [4]byte
	p := c.Pool.Get()
	p.Segments = sis.BuildUnidataIndication(destSAP, srcAddr, 0, 0, payload)
	c.Stats.PDUsOut++
	c.ToWrite.Push(p)
}
