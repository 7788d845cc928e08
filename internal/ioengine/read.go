package ioengine

import (
	"errors"
	"fmt"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/dispatch"
	"github.com/dbehnke/s5066d/internal/pdu"
)

// ErrNoCurrentPDU signals a programming error: the decode loop ran
// with a nil CurPDU. spec.md §4.6 calls this out explicitly as a bug,
// not a protocol error, so the caller should close the connection and
// the daemon should log it loudly.
var ErrNoCurrentPDU = errors.New("ioengine: decode invoked with nil current PDU")

// CloseReason explains why ReadReady closed a connection, for logging.
type CloseReason int

const (
	CloseNone        CloseReason = iota
	CloseEOF                     // transport returned 0 bytes
	CloseReadError               // transport.Read returned a non-EAGAIN error
	CloseProtocol                // the decoder returned Need{Close: true}
	CloseProgramming             // ErrNoCurrentPDU or similar
)

// ReadResult reports what happened on one readable event.
type ReadResult struct {
	Closed bool
	Reason CloseReason
	Err    error
}

// ReadEngine drives the boundary-splitting read loop of spec.md §4.4.
// It owns no state of its own beyond the pool it allocates PDUs from
// and the dispatch table it consults; all per-connection state lives
// on the conn.Connection.
type ReadEngine struct {
	pool   *pdu.WorkerCache
	table  *dispatch.Table
}

// NewReadEngine builds a read engine bound to one worker's PDU cache
// and the shared protocol dispatch table.
func NewReadEngine(pool *pdu.WorkerCache, table *dispatch.Table) *ReadEngine {
	return &ReadEngine{pool: pool, table: table}
}

// minPDUSize is the floor spec.md §4.4 requires on every protocol's
// minimum PDU length so overflow-split can never spin on a
// zero-length declared PDU.
const minPDUSize = 1

// ReadReady handles one readability notification for c: it reads as
// much as the transport offers, then runs the connection's protocol
// decoder until it's consumed everything it can, splitting off a
// fresh PDU whenever a decode call runs past its own declared length.
func (e *ReadEngine) ReadReady(c *conn.Connection) ReadResult {
	entry, ok := e.table.Lookup(c.Proto)
	if !ok {
		return ReadResult{Closed: true, Reason: CloseProtocol, Err: fmt.Errorf("ioengine: no decoder registered for protocol %s", c.Proto)}
	}
	if entry.MinLen < minPDUSize {
		return ReadResult{Closed: true, Reason: CloseProgramming, Err: fmt.Errorf("ioengine: protocol %s registered with minlen %d < %d", c.Proto, entry.MinLen, minPDUSize)}
	}

	for {
		if c.CurPDU == nil {
			c.CurPDU = e.pool.Get()
		}
		p := c.CurPDU
		if len(p.Unread()) == 0 {
			// Arena is full and the decoder still wants more than we
			// have room for; nothing further to read until the decoder
			// frees space via an overflow split. Wait for that instead
			// of spinning or misreading a zero-length read as EOF.
			break
		}

		n, err := c.Transport.Read(p.Unread())
		if err != nil {
			if errors.Is(err, conn.ErrWouldBlock) {
				break // done for now; re-arm on next readiness event
			}
			return ReadResult{Closed: true, Reason: CloseReadError, Err: err}
		}
		if n == 0 {
			return ReadResult{Closed: true, Reason: CloseEOF}
		}
		p.Advance(n)
		c.Stats.BytesIn += uint64(n)

		if res := e.decodeLoop(c, entry); res.Closed {
			return res
		}
	}
	return ReadResult{}
}

// decodeLoop runs entry.Decode repeatedly while the current PDU has
// enough buffered bytes to satisfy its declared need, handling
// overflow-split when a decode call consumes less than was delivered.
func (e *ReadEngine) decodeLoop(c *conn.Connection, entry dispatch.Entry) ReadResult {
	for {
		p := c.CurPDU
		if p == nil {
			return ReadResult{Closed: true, Reason: CloseProgramming, Err: ErrNoCurrentPDU}
		}
		if p.NeedLen <= 0 || p.Avail() < p.NeedLen {
			return ReadResult{}
		}

		need := entry.Decode(c, p)
		switch {
		case need.Close:
			return ReadResult{Closed: true, Reason: CloseProtocol, Err: need.Err}
		case need.Done:
			c.Stats.PDUsIn++
			e.finishPDU(c, entry)
			if c.CurPDU == nil {
				// No surplus bytes; ReadReady installs a fresh PDU
				// before its next read.
				return ReadResult{}
			}
		default:
			p.NeedLen = need.Bytes
			if need.Bytes <= 0 {
				// A decoder that isn't signaling Done or Close must ask
				// for at least one more byte, or this loop never
				// terminates.
				return ReadResult{Closed: true, Reason: CloseProgramming, Err: fmt.Errorf("ioengine: decoder for protocol %s returned non-positive NeedLen without Done/Close", c.Proto)}
			}
			return ReadResult{}
		}
	}
}

// finishPDU implements the overflow-split handling spec.md §4.4 names:
// if the PDU ran longer than its self-declared length, the surplus
// bytes are the start of the next PDU.
func (e *ReadEngine) finishPDU(c *conn.Connection, entry dispatch.Entry) {
	p := c.CurPDU
	surplus := p.Avail() - p.Len
	if surplus <= 0 {
		p.Release()
		c.CurPDU = nil
		return
	}

	next := e.pool.Get()
	next.CopySurplusFrom(p)
	p.Release()
	c.CurPDU = next
	c.CurPDU.NeedLen = entry.MinLen
}
