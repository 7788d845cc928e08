package sis

import (
	"bytes"
	"testing"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/pdu"
	"github.com/dbehnke/s5066d/internal/registry"
)

type nopTransport struct{}

func (nopTransport) Fd() int                       { return -1 }
func (nopTransport) Read(buf []byte) (int, error)  { return 0, conn.ErrWouldBlock }
func (nopTransport) Write(buf []byte) (int, error) { return len(buf), nil }
func (nopTransport) Close() error                  { return nil }

func newTestConn(id uint64, pool *pdu.WorkerCache) *conn.Connection {
	c := conn.NewConnection(id, conn.ProtoSIS, "client", nopTransport{})
	c.Pool = pool
	return c
}

// feed runs a fully-buffered SIS PDU through a PDU the way the read
// engine would hand it to Decode: Avail() == len(data) and NeedLen
// already satisfied.
func feed(pool *pdu.WorkerCache, data []byte) *pdu.PDU {
	p := pool.Get()
	copy(p.Unread(), data)
	p.Advance(len(data))
	return p
}

func writtenBytes(c *conn.Connection) []byte {
	var out []byte
	for _, p := range c.ToWrite.PopAll() {
		for _, seg := range p.Segments {
			out = append(out, seg...)
		}
	}
	return out
}

// TestBindHandshake reproduces spec.md §8 scenario 1 exactly.
func TestBindHandshake(t *testing.T) {
	pool := pdu.NewPool(256).Worker()
	saps := registry.NewSAPTable()
	dec := NewDecoder(saps, nil)

	c1 := newTestConn(1, pool)
	req := []byte{0x90, 0xEB, 0x00, 0x00, 0x04, 0x01, 0x30, 0x00, 0x00}
	p := feed(pool, req)

	need := dec.Decode(c1, p)
	if !need.Done {
		t.Fatalf("expected Done, got %+v", need)
	}

	want := []byte{0x90, 0xEB, 0x00, 0x00, 0x04, 0x03, 0x30, 0x08, 0x00}
	got := writtenBytes(c1)
	if !bytes.Equal(got, want) {
		t.Fatalf("BIND_ACCEPTED = % X, want % X", got, want)
	}
	if !c1.SIS.Bound || c1.SIS.SAP != 3 {
		t.Fatalf("expected SAP 3 bound, got %+v", c1.SIS)
	}

	// A second client claiming the same SAP must be rejected.
	c2 := newTestConn(2, pool)
	p2 := feed(pool, req)
	need2 := dec.Decode(c2, p2)
	if !need2.Done {
		t.Fatalf("expected Done, got %+v", need2)
	}
	got2 := writtenBytes(c2)
	if len(got2) < 6 || PrimitiveType(got2[5]) != BindRejected {
		t.Fatalf("expected BIND_REJECTED for second bind, got % X", got2)
	}
	if c2.SIS != nil && c2.SIS.Bound {
		t.Fatal("second connection must not end up bound")
	}
}

func TestBadPreambleClosesConnection(t *testing.T) {
	pool := pdu.NewPool(256).Worker()
	dec := NewDecoder(registry.NewSAPTable(), nil)
	c := newTestConn(1, pool)

	bad := []byte{0x00, 0xEB, 0x00, 0x00, 0x01, 0x02}
	p := feed(pool, bad)

	need := dec.Decode(c, p)
	if !need.Close {
		t.Fatalf("expected Close on bad preamble, got %+v", need)
	}
	if need.Err == nil {
		t.Fatal("expected a framing error explaining the close, got nil")
	}
}

// TestBindRequestRejectsShortBody covers the boundary spec.md §8
// scenario 1's own worked example sits right on top of: a 3-byte body
// (sap/rank, 2-byte svc type) is the minimum a BIND_REQUEST can carry.
func TestBindRequestRejectsShortBody(t *testing.T) {
	pool := pdu.NewPool(256).Worker()
	dec := NewDecoder(registry.NewSAPTable(), nil)
	c := newTestConn(1, pool)

	// Only 2 body bytes, one short of the 3 a BIND_REQUEST needs.
	short := []byte{0x90, 0xEB, 0x00, 0x00, 0x03, 0x01, 0x30, 0x00}
	need := dec.Decode(c, feed(pool, short))
	if !need.Done {
		t.Fatalf("expected Done, got %+v", need)
	}
	if !c.Closed() {
		t.Fatal("expected connection closed on a too-short BIND_REQUEST body")
	}
	got := writtenBytes(c)
	if len(got) < 6 || PrimitiveType(got[5]) != BindRejected {
		t.Fatalf("expected BIND_REJECTED, got % X", got)
	}
}

func TestUnbindReleasesSAP(t *testing.T) {
	pool := pdu.NewPool(256).Worker()
	saps := registry.NewSAPTable()
	dec := NewDecoder(saps, nil)
	c := newTestConn(1, pool)

	bindReq := []byte{0x90, 0xEB, 0x00, 0x00, 0x04, 0x01, 0x30, 0x00, 0x00}
	dec.Decode(c, feed(pool, bindReq))
	writtenBytes(c) // drain

	unbind := []byte{0x90, 0xEB, 0x00, 0x00, 0x01, 0x02}
	dec.Decode(c, feed(pool, unbind))

	if _, ok := saps.Lookup(3); ok {
		t.Fatal("expected SAP 3 released after UNBIND_REQUEST")
	}
}

type fakeBridge struct {
	sap     uint8
	addr    [4]byte
	payload []byte
	called  bool
}

func (f *fakeBridge) SendUnidata(sap uint8, addr [4]byte, deliveryMode, transmissionMode byte, payload []byte) error {
	f.called = true
	f.sap = sap
	f.addr = addr
	f.payload = append([]byte{}, payload...)
	return nil
}

func TestUnidataRequestForwardsToBridge(t *testing.T) {
	pool := pdu.NewPool(256).Worker()
	bridge := &fakeBridge{}
	dec := NewDecoder(registry.NewSAPTable(), bridge)
	c := newTestConn(1, pool)

	payload := []byte("hello")
	body := []byte{}
	body = append(body, 0x05)                 // dest SAP 5 (lower nibble)
	body = append(body, 1, 2, 3, 4)            // dest addr
	body = append(body, 0x00)                  // delivery mode
	body = append(body, 0x01)                  // transmission mode
	body = append(body, byte(len(payload)>>8), byte(len(payload)))
	body = append(body, payload...)

	frame := []byte{0x90, 0xEB, 0x00, 0, byte(1 + len(body)), byte(UnidataRequest)}
	frame = append(frame, body...)

	need := dec.Decode(c, feed(pool, frame))
	if !need.Done {
		t.Fatalf("expected Done, got %+v", need)
	}
	if !bridge.called {
		t.Fatal("expected bridge.SendUnidata to be invoked")
	}
	if bridge.sap != 5 {
		t.Fatalf("sap = %d, want 5", bridge.sap)
	}
	if !bytes.Equal(bridge.payload, payload) {
		t.Fatalf("payload = %q, want %q", bridge.payload, payload)
	}
}

func TestUnidataRequestRejectsOversizePayload(t *testing.T) {
	pool := pdu.NewPool(256).Worker()
	bridge := &fakeBridge{}
	dec := NewDecoder(registry.NewSAPTable(), bridge)
	c := newTestConn(1, pool)

	// Claim a length larger than BroadcastMTU without supplying the
	// bytes; the decoder must reject before indexing past body.
	body := []byte{0x00, 1, 2, 3, 4, 0, 0, 0xFF, 0xFF}
	frame := []byte{0x90, 0xEB, 0x00, 0, byte(1 + len(body)), byte(UnidataRequest)}
	frame = append(frame, body...)

	dec.Decode(c, feed(pool, frame))
	if bridge.called {
		t.Fatal("bridge must not be invoked for an oversize/short U_PDU")
	}
	if !c.Closed() {
		t.Fatal("expected connection closed on invalid UNIDATA_REQUEST")
	}
}
