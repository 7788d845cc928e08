package registry

import (
	"sync"
	"sync/atomic"

	"github.com/dbehnke/s5066d/internal/conn"
)

// nextID hands out monotonically increasing connection correlation
// IDs for logging, independent of any worker.
var nextID atomic.Uint64

// NextConnectionID returns a fresh correlation id.
func NextConnectionID() uint64 {
	return nextID.Add(1)
}

// Directory is the live set of connections the daemon currently owns,
// used for stats reporting and for finding every peer connection when
// the SAP table or the DTS layer needs to fan out (e.g. on shutdown).
type Directory struct {
	mu    sync.RWMutex
	byID  map[uint64]*conn.Connection
}

// NewDirectory constructs an empty connection directory.
func NewDirectory() *Directory {
	return &Directory{byID: make(map[uint64]*conn.Connection)}
}

// Add registers c under its ID. Called once, when a worker registers
// an accepted or dialed connection.
func (d *Directory) Add(c *conn.Connection) {
	d.mu.Lock()
	d.byID[c.ID] = c
	d.mu.Unlock()
}

// Remove drops c from the directory on close.
func (d *Directory) Remove(c *conn.Connection) {
	d.mu.Lock()
	delete(d.byID, c.ID)
	d.mu.Unlock()
}

// Snapshot returns a copy of the current connection list, safe to
// iterate without holding the directory lock.
func (d *Directory) Snapshot() []*conn.Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*conn.Connection, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, c)
	}
	return out
}

// ByProto filters Snapshot to one protocol, e.g. every DTS peer.
func (d *Directory) ByProto(p conn.Proto) []*conn.Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*conn.Connection
	for _, c := range d.byID {
		if c.Proto == p {
			out = append(out, c)
		}
	}
	return out
}

// Len reports how many connections are currently registered.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
