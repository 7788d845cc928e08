package ioengine

import (
	"errors"

	"github.com/dbehnke/s5066d/internal/conn"
)

// IOVMax is the ceiling on how many segments WriteReady will gather
// into one write pass, clamped to spec.md §4.5's 16-32 range (this
// daemon doesn't special-case a platform IOV_MAX; it just picks a
// value inside the mandated band).
const IOVMax = 32

// WriteEngine drains a connection's to_write queue and in_write list,
// applying partial-write rewind bookkeeping per spec.md §4.5.
type WriteEngine struct{}

// NewWriteEngine constructs a write engine. It carries no state of its
// own; everything it touches lives on the Connection.
func NewWriteEngine() *WriteEngine { return &WriteEngine{} }

// WriteResult reports what happened on one writability event.
type WriteResult struct {
	Closed bool
	Err    error
	// Blocked is true when the transport returned EAGAIN; the caller
	// should leave the connection armed for write-readiness and try
	// again later, rather than treating this as an error.
	Blocked bool
}

// WriteReady writes as much as the transport will currently accept:
// first draining any PDUs left over from a previous partial write
// (in_write), then pulling fresh PDUs off to_write and building each
// one's segments.
func (e *WriteEngine) WriteReady(c *conn.Connection) WriteResult {
	// Finish whatever was left mid-flight last time, oldest first (the
	// list is appended at the end and must drain in the order bytes were
	// promised to the peer, so we always operate on index 0 and shift).
	for len(c.InWrite) > 0 {
		pending := c.InWrite[0]
		blocked, err := e.drainPending(c, pending)
		if err != nil {
			e.closeAndDrain(c)
			return WriteResult{Closed: true, Err: err}
		}
		if blocked {
			return WriteResult{Blocked: true}
		}
		// Fully written.
		c.InWrite = c.InWrite[1:]
		e.onSegmentsFlushed(pending)
	}

	for _, p := range c.ToWrite.PopAll() {
		segs := make([][]byte, len(p.Segments))
		copy(segs, p.Segments)
		pending := &conn.PendingWrite{P: p, Segments: segs}
		blocked, err := e.drainPending(c, pending)
		if err != nil {
			e.closeAndDrain(c)
			return WriteResult{Closed: true, Err: err}
		}
		if blocked {
			c.InWrite = append(c.InWrite, pending)
			return WriteResult{Blocked: true}
		}
		e.onSegmentsFlushed(pending)
	}

	return WriteResult{}
}

// drainPending writes as many of pending's remaining segments as the
// transport accepts, rewinding the partially-written head segment in
// place. Returns (blocked=true, nil) on EAGAIN, or a non-nil err on any
// other write failure.
func (e *WriteEngine) drainPending(c *conn.Connection, pending *conn.PendingWrite) (blocked bool, err error) {
	for len(pending.Segments) > 0 {
		seg := pending.Segments[0]
		if len(seg) == 0 {
			pending.Segments = pending.Segments[1:]
			continue
		}

		n, werr := c.Transport.Write(seg)
		if n > 0 {
			c.Stats.BytesOut += uint64(n)
		}
		if werr != nil {
			if errors.Is(werr, conn.ErrWouldBlock) {
				if n > 0 {
					pending.Segments[0] = seg[n:]
				}
				return true, nil
			}
			return false, werr
		}
		if n < len(seg) {
			// Partial success without an explicit EAGAIN; rewind and
			// treat as blocked, matching the spec's "advance iov_base,
			// drop fully-written segments" rewind discipline.
			pending.Segments[0] = seg[n:]
			return true, nil
		}
		pending.Segments = pending.Segments[1:]
	}
	return false, nil
}

// onSegmentsFlushed releases a fully-written PDU. A PDU the transmit
// table retains (an unacknowledged ARQ segment, spec.md §4.7) keeps
// its Segments intact rather than having them cleared here: the
// retransmit path re-queues the same *pdu.PDU straight onto to_write,
// so it needs its original wire bytes still in place. Only a PDU that
// is actually released here has its Segments cleared, just before its
// Release.
func (e *WriteEngine) onSegmentsFlushed(pending *conn.PendingWrite) {
	p := pending.P
	if p.Retain {
		return
	}
	p.Segments = nil
	p.Release()
}

// closeAndDrain releases every PDU on both queues, as spec.md §4.5
// requires on any write error besides EAGAIN.
func (e *WriteEngine) closeAndDrain(c *conn.Connection) {
	for _, p := range c.ToWrite.PopAll() {
		p.Release()
	}
	for _, pending := range c.InWrite {
		pending.P.Release()
	}
	c.InWrite = nil
}
