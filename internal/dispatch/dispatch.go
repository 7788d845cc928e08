// Package dispatch holds the protocol dispatch table: the one
// coupling point between the transport-agnostic read engine and each
// protocol's own framing and decode logic. New protocols (SMTP, HTTP,
// a serial-link collaborator) register an entry here without the read
// engine needing to know they exist.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/pdu"
)

// DecodeFunc parses as much of p as it can, mutates c's protocol state
// (SAP bindings, ARQ windows, write queues) as a side effect, and
// reports what the read engine should do next via the returned Need.
type DecodeFunc func(c *conn.Connection, p *pdu.PDU) pdu.Need

// EncodeResponseFunc builds a response PDU for decoders that need the
// dispatch table to hand back an encoder rather than writing directly
// (used by collaborators that want a symmetrical registration without
// importing package sis or dts). Most of this daemon's own decoders
// write responses directly onto c.ToWrite and leave this nil.
type EncodeResponseFunc func(c *conn.Connection, args interface{}) (*pdu.PDU, error)

// Entry is the (decode_fn, min_pdu_len, encode_response_fn) triple
// spec.md §9 describes.
type Entry struct {
	Decode         DecodeFunc
	MinLen         int
	EncodeResponse EncodeResponseFunc
}

// Table is the protocol-tag-keyed registry. The zero value is usable.
type Table struct {
	mu      sync.RWMutex
	entries map[conn.Proto]Entry
}

// Register adds or replaces the entry for proto. MinLen must be
// strictly positive: spec.md §4.4's overflow handler divides surplus
// bytes by a protocol's minimum PDU length implicitly by re-parsing
// from scratch, and a zero-length minimum would let a decoder be
// invoked with nothing to decode, spinning forever.
func (t *Table) Register(proto conn.Proto, minLen int, decode DecodeFunc) error {
	if minLen <= 0 {
		return fmt.Errorf("dispatch: protocol %s registered with non-positive minlen %d", proto, minLen)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[conn.Proto]Entry)
	}
	t.entries[proto] = Entry{Decode: decode, MinLen: minLen}
	return nil
}

// RegisterWithEncoder is Register plus an EncodeResponseFunc.
func (t *Table) RegisterWithEncoder(proto conn.Proto, minLen int, decode DecodeFunc, encode EncodeResponseFunc) error {
	if err := t.Register(proto, minLen, decode); err != nil {
		return err
	}
	t.mu.Lock()
	e := t.entries[proto]
	e.EncodeResponse = encode
	t.entries[proto] = e
	t.mu.Unlock()
	return nil
}

// Lookup returns the entry registered for proto.
func (t *Table) Lookup(proto conn.Proto) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[proto]
	return e, ok
}
