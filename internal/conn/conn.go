// Package conn defines the per-socket Connection type shared by the
// read engine, write engine, dispatch table, and the SIS/DTS
// protocol engines. It is deliberately low in the dependency graph so
// none of those packages need to import each other to share state.
package conn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dbehnke/s5066d/internal/pdu"
)

// Proto tags what protocol decoder a connection's bytes are dispatched to.
type Proto int

const (
	ProtoSIS Proto = iota
	ProtoDTS
	ProtoSMTP
	ProtoHTTP
	ProtoTestPing
	ProtoListen
)

func (p Proto) String() string {
	switch p {
	case ProtoSIS:
		return "sis"
	case ProtoDTS:
		return "dts"
	case ProtoSMTP:
		return "smtp"
	case ProtoHTTP:
		return "http"
	case ProtoTestPing:
		return "test_ping"
	case ProtoListen:
		return "listen"
	default:
		return "unknown"
	}
}

// Stats holds the per-connection counters spec.md §3 names.
type Stats struct {
	BytesIn  uint64
	BytesOut uint64
	PDUsIn   uint64
	PDUsOut  uint64
}

// WriteQueue is the to_write FIFO: complete PDUs awaiting their first
// write, with a counter so the write engine can size its iov batches
// without walking the list.
type WriteQueue struct {
	mu    sync.Mutex
	items []*pdu.PDU
}

// Push enqueues a PDU on the produce end. Safe for cross-worker callers
// (e.g. the SAP table delivering a reassembled C_PDU to a connection
// owned by a different worker).
func (q *WriteQueue) Push(p *pdu.PDU) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// PopAll drains the queue for the owning worker to build an iov batch
// from. Only the owning worker should call this.
func (q *WriteQueue) PopAll() []*pdu.PDU {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len reports how many PDUs are queued without draining them.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Connection is the per-socket state the read/write engines and
// protocol decoders operate on: a transport, protocol tag, the PDU
// currently being assembled by the read engine, outbound queues, and
// protocol-specific state (SIS SAP binding or DTS peer state).
type Connection struct {
	ID uint64 // correlation id for logging, assigned by the registry

	// UUID is a second, globally-unique correlation id that survives a
	// daemon restart's ID-counter reset, for tying log lines to a
	// specific connection across a log aggregator's retention window.
	UUID uuid.UUID

	Proto     Proto
	PeerAddr  string
	Transport Transport

	// CurPDU is the PDU the read engine is currently filling. Nil means
	// "no PDU installed yet; allocate one on next readable event."
	CurPDU *pdu.PDU

	ToWrite *WriteQueue
	InWrite []*PendingWrite // PDUs with bytes partially on the wire, drained oldest first

	// Pool is the owning worker's PDU cache. A connection is pinned to
	// one worker for its lifetime (spec.md §5), so decoders can use
	// this to allocate response/indication PDUs without any locking.
	Pool *pdu.WorkerCache

	Stats Stats

	// SIS is non-nil for SIS client connections; DTS is non-nil for DTS
	// peer connections. Exactly one applies per spec.md §3.
	SIS *SISState
	DTS *DTSState

	closed bool
	mu     sync.Mutex
}

// NewConnection wraps a transport with fresh queues for the given protocol.
func NewConnection(id uint64, proto Proto, peerAddr string, t Transport) *Connection {
	return &Connection{
		ID:        id,
		UUID:      uuid.New(),
		Proto:     proto,
		PeerAddr:  peerAddr,
		Transport: t,
		ToWrite:   &WriteQueue{},
	}
}

// MarkClosed flags the connection closed; idempotent.
func (c *Connection) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.closed
	c.closed = true
	return !was
}

// Closed reports whether MarkClosed has already run.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PendingWrite tracks one PDU whose scatter/gather segments are
// partially on the wire: Segments holds what's left to write, with
// the first element's already-written prefix removed in place as
// writes succeed, per the write engine's rewind bookkeeping.
type PendingWrite struct {
	P        *pdu.PDU
	Segments [][]byte
}

// Done reports whether every segment has been fully written.
func (w *PendingWrite) Done() bool {
	return len(w.Segments) == 0
}

// SISState is the per-SAP binding state for a client connection.
type SISState struct {
	Bound   bool
	SAP     uint8
	Rank    uint8
	SvcType uint16
	MTU     uint16
}

// DTSState is the per-peer ARQ/Non-ARQ state spec.md §3 and §4.7
// describe. It's defined fully in package dts; here it's an opaque
// handle so package conn doesn't need to depend on package dts.
type DTSState struct {
	Impl interface{}
}
