package dts

import (
	"sync"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/pdu"
	"github.com/dbehnke/s5066d/internal/s5066err"
)

// PeerStateKind is the per-peer state machine spec.md §4.7 names.
type PeerStateKind int

const (
	Idle PeerStateKind = iota
	Connected
	ResetPending
	Closing
)

// segment is one received but not-yet-delivered ARQ segment.
type segment struct {
	flags   uint8
	payload []byte
}

// Peer holds all per-peer DTS state: the two ARQ windows, the
// transmit tracking array, the Non-ARQ reassembly table, and the
// connection-level state machine.
type Peer struct {
	mu sync.Mutex

	State PeerStateKind

	// Transmit side.
	txLWE uint8
	txUWE uint8
	txPDUs [SeqSpace]*pdu.PDU

	// Receive side.
	rxLWE uint8
	rxUWE uint8
	rxAcked  [SeqSpace]bool
	rxSegs   [SeqSpace]*segment

	nonARQ *nonARQTable

	// lastDstAddr is the destination address nibble digits from the
	// most recently parsed D_PDU, used to derive a delivery SAP (see
	// destSAPFromAddr).
	lastDstAddr []byte

	conn *conn.Connection
}

func newPeer(c *conn.Connection) *Peer {
	return &Peer{State: Idle, nonARQ: newNonARQTable(), conn: c}
}

// Reset clears both windows and moves to RESET_PENDING, per spec.md
// §4.7's RESET transition.
func (p *Peer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = ResetPending
	p.txLWE, p.txUWE = 0, 0
	p.rxLWE, p.rxUWE = 0, 0
	for i := range p.txPDUs {
		if p.txPDUs[i] != nil {
			p.txPDUs[i].Release()
			p.txPDUs[i] = nil
		}
	}
	for i := range p.rxAcked {
		p.rxAcked[i] = false
		p.rxSegs[i] = nil
	}
	p.nonARQ = newNonARQTable()
}

func (p *Peer) ensureConnected() {
	if p.State == Idle {
		p.State = Connected
	}
}

// PeerTable maps a connection to its DTS peer state, so the decoder
// (shared across every DTS connection on a worker) can look state up
// by connection without depending on package conn for storage.
type PeerTable struct {
	mu    sync.Mutex
	peers map[*conn.Connection]*Peer
}

// NewPeerTable constructs an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[*conn.Connection]*Peer)}
}

// Get returns c's Peer, creating it on first sight.
func (t *PeerTable) Get(c *conn.Connection) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[c]
	if !ok {
		p = newPeer(c)
		t.peers[c] = p
		if c.DTS == nil {
			c.DTS = &conn.DTSState{Impl: p}
		}
	}
	return p
}

// Remove drops c's Peer and releases every tracked transmit PDU, on
// connection close.
func (t *PeerTable) Remove(c *conn.Connection) {
	t.mu.Lock()
	p, ok := t.peers[c]
	delete(t.peers, c)
	t.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.txPDUs {
		if p.txPDUs[i] != nil {
			p.txPDUs[i].Release()
			p.txPDUs[i] = nil
		}
	}
}

// handleNonARQ implements the Non-ARQ reassembly path, spec.md §4.7
// and the worked example of §8 scenario 2.
func (d *Decoder) handleNonARQ(peer *Peer, typeHeader, payload []byte) {
	nh, ok := parseNonArqHeader(typeHeader)
	if !ok {
		d.debug(s5066err.Framingf("dts", "unparsable non-arq header"))
		return
	}
	if int(nh.Offset)+len(payload) > int(nh.TotalSize) {
		d.warn(s5066err.Validationf("dts", "non-arq segment offset beyond declared total size"), "id", nh.CPDUID, "offset", nh.Offset, "total", nh.TotalSize)
		return
	}
	if len(payload) != int(nh.SegSize) {
		d.warn(s5066err.Validationf("dts", "non-arq segment length mismatch"), "id", nh.CPDUID, "declared", nh.SegSize, "got", len(payload))
		return
	}

	peer.mu.Lock()
	table := peer.nonARQ
	peer.mu.Unlock()

	complete, done := table.accept(nh.CPDUID, int(nh.TotalSize), int(nh.Offset), payload)
	if !done {
		return
	}
	if d.Deliver != nil {
		d.Deliver.DeliverCPDU(destSAPFromAddr(peer), complete)
	}
}

// RetransmitPending returns every currently-unacknowledged transmit
// D_PDU in the outstanding window, for the event loop's retransmit
// timer to requeue on the peer's write queue (spec.md §4.7's "retransmit
// any tx_pdus[s] whose bit is still unset and whose retransmit timer
// has expired," simplified to "the whole outstanding window" since
// this reimplementation doesn't track a separate per-segment tx-ack
// bitmap — an acknowledged segment's slot is nil'd immediately by
// handleACK, so every non-nil entry here is genuinely still pending).
func (p *Peer) RetransmitPending() []*pdu.PDU {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*pdu.PDU
	for s := p.txLWE; s != p.txUWE; s = seqAdd(s, 1) {
		if pd := p.txPDUs[s]; pd != nil {
			out = append(out, pd)
		}
	}
	return out
}

// destSAPFromAddr derives the delivery SAP from the peer's most
// recently seen destination address low nibble. The wire protocol
// ties a C_PDU to a SAP through the bridge (spec.md §4.8), not
// through an explicit field in every D_PDU, so this core uses the
// destination address's last digit as that binding — see DESIGN.md.
func destSAPFromAddr(peer *Peer) uint8 {
	if len(peer.lastDstAddr) == 0 {
		return 0
	}
	last := peer.lastDstAddr[len(peer.lastDstAddr)-1]
	if last > 15 {
		last = 15
	}
	return last
}

// handleARQData implements the ARQ receive path, spec.md §4.7 and
// the worked example of §8 scenario 3: place in-window segments,
// advance rx_uwe on new high-watermarks, and deliver contiguous
// complete C_PDUs as rx_lwe advances.
func (d *Decoder) handleARQData(peer *Peer, c *conn.Connection, typeHeader, payload []byte) {
	ah, ok := parseArqHeader(typeHeader)
	if !ok {
		d.debug(s5066err.Framingf("dts", "unparsable arq data header"))
		return
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	peer.ensureConnected()

	s := ah.Seq
	if seqBefore(s, peer.rxLWE) {
		return // already acknowledged and delivered; retransmission
	}
	if seqInWindow(s, peer.rxLWE, peer.rxUWE) && peer.rxAcked[s] {
		return // duplicate within the open window
	}

	peer.rxSegs[s] = &segment{flags: ah.Flags, payload: append([]byte{}, payload...)}
	peer.rxAcked[s] = true
	if !seqInWindow(s, peer.rxLWE, peer.rxUWE) {
		// s is at or beyond the current high watermark: a new one.
		peer.rxUWE = seqAdd(s, 1)
	}

	d.deliverContiguous(peer)
}

// deliverContiguous walks forward from rx_lwe delivering complete
// C_PDUs (runs of segments from a FlagFirst segment to a FlagLast
// segment) and advancing rx_lwe past them.
func (d *Decoder) deliverContiguous(peer *Peer) {
	for {
		start := peer.rxLWE
		if !peer.rxAcked[start] {
			return
		}
		first := peer.rxSegs[start]
		if first == nil {
			return
		}
		if first.flags&FlagFirst == 0 {
			// An interior/last segment sitting at rx_lwe with no
			// preceding first segment: the run is incomplete or was
			// reset; wait for more data rather than delivering garbage.
			return
		}

		var cpdu []byte
		s := start
		for {
			seg := peer.rxSegs[s]
			if seg == nil {
				return // run not yet complete
			}
			cpdu = append(cpdu, seg.payload...)
			last := seg.flags&FlagLast != 0
			if last {
				break
			}
			s = seqAdd(s, 1)
			if s == peer.rxUWE {
				return // run not yet complete
			}
		}

		// Deliver and release the run [start, s].
		for r := start; ; r = seqAdd(r, 1) {
			peer.rxAcked[r] = false
			peer.rxSegs[r] = nil
			if r == s {
				break
			}
		}
		peer.rxLWE = seqAdd(s, 1)

		if d.Deliver != nil {
			d.Deliver.DeliverCPDU(destSAPFromAddr(peer), cpdu)
		}
	}
}

// handleACK implements the ARQ transmit acknowledgement path,
// spec.md §4.7: release tx_pdus for every newly acknowledged
// sequence and their attached responses, advance tx_lwe.
func (d *Decoder) handleACK(peer *Peer, typeHeader []byte) {
	ah, ok := parseArqHeader(typeHeader)
	if !ok {
		d.debug(s5066err.Framingf("dts", "unparsable ack header"))
		return
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()

	newLWE := ah.AckLWE
	for s := peer.txLWE; s != newLWE; s = seqAdd(s, 1) {
		if p := peer.txPDUs[s]; p != nil {
			p.Release()
			peer.txPDUs[s] = nil
		}
	}
	peer.txLWE = newLWE

	for i, b := range ah.Bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(7-bit)) == 0 {
				continue
			}
			s := seqAdd(newLWE, i*8+bit)
			if p := peer.txPDUs[s]; p != nil {
				p.Release()
				peer.txPDUs[s] = nil
			}
		}
	}
}
