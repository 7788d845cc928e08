package stats

import (
	"testing"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/registry"
)

func TestCollectTotalsAcrossProtocols(t *testing.T) {
	dir := registry.NewDirectory()

	a := conn.NewConnection(1, conn.ProtoSIS, "a", nil)
	a.Stats.BytesIn = 100
	a.Stats.PDUsOut = 2
	b := conn.NewConnection(2, conn.ProtoDTS, "b", nil)
	b.Stats.BytesOut = 50
	b.Stats.PDUsIn = 3

	dir.Add(a)
	dir.Add(b)

	snap := Collect(dir)
	if snap.Connections != 2 || snap.SIS != 1 || snap.DTS != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.BytesIn != 100 || snap.BytesOut != 50 {
		t.Fatalf("unexpected byte totals: %+v", snap)
	}
	if snap.PDUsIn != 3 || snap.PDUsOut != 2 {
		t.Fatalf("unexpected pdu totals: %+v", snap)
	}
}

func TestStringDoesNotPanicOnEmptySnapshot(t *testing.T) {
	s := Snapshot{}
	if s.String() == "" {
		t.Fatal("expected non-empty summary string")
	}
}
