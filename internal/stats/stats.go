// Package stats renders the daemon's connection and throughput
// counters for periodic logging, the way the teacher's gateway logs
// frame/byte counts on its own watchdog tick.
package stats

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/registry"
)

// Snapshot is a point-in-time rollup across every live connection.
type Snapshot struct {
	Connections int
	SIS         int
	DTS         int
	BytesIn     uint64
	BytesOut    uint64
	PDUsIn      uint64
	PDUsOut     uint64
}

// Collect walks the connection directory and totals its counters.
func Collect(dir *registry.Directory) Snapshot {
	var s Snapshot
	for _, c := range dir.Snapshot() {
		s.Connections++
		switch c.Proto {
		case conn.ProtoSIS:
			s.SIS++
		case conn.ProtoDTS:
			s.DTS++
		}
		s.BytesIn += c.Stats.BytesIn
		s.BytesOut += c.Stats.BytesOut
		s.PDUsIn += c.Stats.PDUsIn
		s.PDUsOut += c.Stats.PDUsOut
	}
	return s
}

// String renders a human-readable one-line summary, e.g. for a
// periodic log line: "conns=3 (sis=2 dts=1) in=1.2 kB out=845 B pdus=14/9".
func (s Snapshot) String() string {
	return fmt.Sprintf("conns=%d (sis=%d dts=%d) in=%s out=%s pdus=%d/%d",
		s.Connections, s.SIS, s.DTS,
		humanize.Bytes(s.BytesIn), humanize.Bytes(s.BytesOut),
		s.PDUsIn, s.PDUsOut)
}
