package dispatch

import (
	"testing"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/pdu"
)

func TestRegisterRejectsNonPositiveMinLen(t *testing.T) {
	var t1 Table
	err := t1.Register(conn.ProtoSIS, 0, func(*conn.Connection, *pdu.PDU) pdu.Need { return pdu.NeedDone })
	if err == nil {
		t.Fatal("expected error registering a zero minlen decoder")
	}
	err = t1.Register(conn.ProtoSIS, -1, func(*conn.Connection, *pdu.PDU) pdu.Need { return pdu.NeedDone })
	if err == nil {
		t.Fatal("expected error registering a negative minlen decoder")
	}
}

func TestRegisterAndLookup(t *testing.T) {
	var t1 Table
	called := false
	err := t1.Register(conn.ProtoDTS, 16, func(*conn.Connection, *pdu.PDU) pdu.Need {
		called = true
		return pdu.NeedDone
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	entry, ok := t1.Lookup(conn.ProtoDTS)
	if !ok {
		t.Fatal("expected lookup to find the registered DTS entry")
	}
	if entry.MinLen != 16 {
		t.Fatalf("MinLen = %d, want 16", entry.MinLen)
	}
	entry.Decode(nil, nil)
	if !called {
		t.Fatal("expected Decode to be invoked")
	}

	if _, ok := t1.Lookup(conn.ProtoSMTP); ok {
		t.Fatal("did not expect an entry for an unregistered protocol")
	}
}
