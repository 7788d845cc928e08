package registry

import (
	"testing"

	"github.com/dbehnke/s5066d/internal/conn"
)

func dummyConn(id uint64) *conn.Connection {
	return conn.NewConnection(id, conn.ProtoSIS, "client", nil)
}

func TestClaimRejectsOutOfRange(t *testing.T) {
	tbl := NewSAPTable()
	if err := tbl.Claim(MaxSAP+1, dummyConn(1), 0, 0); err != ErrSAPOutOfRange {
		t.Fatalf("Claim(%d) err = %v, want ErrSAPOutOfRange", MaxSAP+1, err)
	}
}

func TestClaimExclusivity(t *testing.T) {
	tbl := NewSAPTable()
	a := dummyConn(1)
	b := dummyConn(2)

	if err := tbl.Claim(3, a, 1, 0x3000); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if err := tbl.Claim(3, b, 1, 0x3000); err != ErrSAPBound {
		t.Fatalf("second Claim err = %v, want ErrSAPBound", err)
	}

	got, ok := tbl.Lookup(3)
	if !ok || got != a {
		t.Fatalf("Lookup(3) = %v, %v; want a, true", got, ok)
	}
}

func TestReleaseThenReclaim(t *testing.T) {
	tbl := NewSAPTable()
	a := dummyConn(1)
	b := dummyConn(2)

	if err := tbl.Claim(5, a, 0, 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	tbl.Release(5, a)

	if err := tbl.Claim(5, b, 0, 0); err != nil {
		t.Fatalf("Claim after release: %v", err)
	}
	got, _ := tbl.Lookup(5)
	if got != b {
		t.Fatalf("Lookup(5) = %v, want b", got)
	}
}

func TestReleaseConnectionClearsAllOwnedSAPs(t *testing.T) {
	tbl := NewSAPTable()
	a := dummyConn(1)
	if err := tbl.Claim(1, a, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Claim(2, a, 0, 0); err != nil {
		t.Fatal(err)
	}

	tbl.ReleaseConnection(a)

	if _, ok := tbl.Lookup(1); ok {
		t.Fatal("expected SAP 1 released")
	}
	if _, ok := tbl.Lookup(2); ok {
		t.Fatal("expected SAP 2 released")
	}
}

func TestReleaseIgnoresNonOwner(t *testing.T) {
	tbl := NewSAPTable()
	a := dummyConn(1)
	b := dummyConn(2)
	if err := tbl.Claim(7, a, 0, 0); err != nil {
		t.Fatal(err)
	}
	tbl.Release(7, b) // b doesn't own it; must not clear a's binding
	got, ok := tbl.Lookup(7)
	if !ok || got != a {
		t.Fatalf("Lookup(7) = %v, %v; want a, true", got, ok)
	}
}

func TestDirectoryAddRemoveSnapshot(t *testing.T) {
	dir := NewDirectory()
	a := dummyConn(NextConnectionID())
	b := dummyConn(NextConnectionID())
	dir.Add(a)
	dir.Add(b)

	if dir.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", dir.Len())
	}
	dir.Remove(a)
	if dir.Len() != 1 {
		t.Fatalf("Len() after remove = %d, want 1", dir.Len())
	}
	snap := dir.Snapshot()
	if len(snap) != 1 || snap[0] != b {
		t.Fatalf("Snapshot() = %v, want [b]", snap)
	}
}
