// Package registry holds the shared state the event loop's workers
// touch across connection boundaries: the fixed SAP binding table and
// the per-daemon connection directory used for logging and stats.
package registry

import (
	"fmt"
	"sync"

	"github.com/dbehnke/s5066d/internal/conn"
)

// MaxSAP is the highest valid SAP index; spec.md §6 bounds SAP IDs to
// 0..15.
const MaxSAP = 15

// SAPEntry describes one bound SAP slot.
type SAPEntry struct {
	Bound bool
	Conn  *conn.Connection
	Rank  uint8
	SvcType uint16
}

// SAPTable is the fixed 16-slot table spec.md §3 names, enforcing
// "at most one connection owns SAP k at any time."
type SAPTable struct {
	mu      sync.Mutex
	entries [MaxSAP + 1]SAPEntry
}

// NewSAPTable constructs an empty table.
func NewSAPTable() *SAPTable {
	return &SAPTable{}
}

// ErrSAPOutOfRange is returned when sap falls outside 0..15.
var ErrSAPOutOfRange = fmt.Errorf("registry: sap out of range 0..%d", MaxSAP)

// ErrSAPBound is returned by Claim when the slot is already owned.
var ErrSAPBound = fmt.Errorf("registry: sap already bound")

// Claim atomically binds sap to c, failing if it's out of range or
// already owned by a live connection.
func (t *SAPTable) Claim(sap uint8, c *conn.Connection, rank uint8, svcType uint16) error {
	if int(sap) > MaxSAP {
		return ErrSAPOutOfRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[sap]
	if e.Bound {
		return ErrSAPBound
	}
	e.Bound = true
	e.Conn = c
	e.Rank = rank
	e.SvcType = svcType
	return nil
}

// Release unbinds sap if it's currently owned by c (a no-op, not an
// error, if c doesn't own it — covers UNBIND racing a connection close).
func (t *SAPTable) Release(sap uint8, c *conn.Connection) {
	if int(sap) > MaxSAP {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[sap]
	if e.Conn == c {
		*e = SAPEntry{}
	}
}

// ReleaseConnection unbinds every SAP currently owned by c; called on
// connection close so a crashed or disconnected client can't leave a
// SAP permanently claimed.
func (t *SAPTable) ReleaseConnection(c *conn.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Conn == c {
			t.entries[i] = SAPEntry{}
		}
	}
}

// Lookup returns the connection bound to sap, if any, for delivery of
// a reassembled C_PDU. The caller must not retain the lock past this
// call; per spec.md §5 the SAP lock is released before the PDU is
// queued on the connection's write engine.
func (t *SAPTable) Lookup(sap uint8) (*conn.Connection, bool) {
	if int(sap) > MaxSAP {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[sap]
	if !e.Bound {
		return nil, false
	}
	return e.Conn, true
}
