// Package pdu implements the shared PDU buffer model the read engine,
// write engine, SIS decoder, and DTS decoder all operate over: a
// fixed-capacity byte arena with cursors tracking what's been read,
// parsed, and declared, plus the request/response linkage the write
// engine uses to re-emit responses on retransmission.
package pdu

// Kind tags what role a PDU plays on a connection's queues.
type Kind int

const (
	KindRequest  Kind = iota // awaiting a response, or is one half of a req/resp pair with none pending
	KindResponse             // a response PDU, linked back to its Req
	KindNested               // a PDU carried inside another (e.g. a reassembled C_PDU)
)

// Need tells the read engine what the decoder wants next.
type Need struct {
	Bytes int   // bytes still required before the decoder can run again; 0 means Done/Close apply instead
	Done  bool  // PDU is fully consumed; release it to the pool
	Close bool  // the connection must be closed (framing or fatal error)
	Err   error // why Close is set, surfaced to ioengine.ReadResult.Err; nil for a silent close
}

// NeedBytes is shorthand for "wait until n bytes, counted from M, are
// buffered before decoding again".
func NeedBytes(n int) Need { return Need{Bytes: n} }

// NeedDone signals the PDU has been fully consumed and decode.
var NeedDone = Need{Done: true}

// NeedClose signals the connection owning this PDU must close, with no
// error worth surfacing to the caller (a silent protocol discard).
var NeedClose = Need{Close: true}

// NeedCloseErr signals the connection must close and carries the
// reason, so the read engine's caller can log it instead of closing
// silently.
func NeedCloseErr(err error) Need { return Need{Close: true, Err: err} }

// PDU is the quantum of I/O: a fixed-capacity arena plus cursors into it.
//
//   - M is the start of valid bytes (arena[M:Lim] is the usable span).
//   - AP is the allocation pointer: arena[M:AP] holds bytes read so far.
//   - Scan is the parser's cursor within [M:AP].
//   - Len is the PDU's self-declared total length, once known (0 = unknown).
//   - NeedLen is how many bytes (counted from M) are required before the
//     registered decoder can be invoked again.
type PDU struct {
	arena []byte
	M     int
	AP    int
	Scan  int
	Lim   int
	Len   int
	NeedLen int

	Kind Kind

	// Req is the request this PDU is a response to (nil if this PDU is
	// itself a request or carries no response semantics).
	Req *PDU
	// Reals lists every response PDU that has been queued against this
	// request, so a retransmission can re-emit all of them and so an
	// ACK of the request can cascade to releasing them.
	Reals []*PDU

	// Segments is the outbound byte representation split into the
	// write engine's 1-3 scatter/gather pieces (header / payload / CRC;
	// payload and CRC are absent for pure control PDUs). Populated by
	// whichever encoder built this PDU for transmission.
	Segments [][]byte

	// Retain tells the write engine not to release this PDU once fully
	// written: a transmit-tracking table (package dts's ARQ sender)
	// still needs it for possible retransmission and owns the matching
	// Release call once the peer ACKs it, the peer's windows are reset,
	// or the peer's state is removed.
	Retain bool

	pool *Pool
}

// Bytes returns the valid, read bytes of the PDU: arena[M:AP].
func (p *PDU) Bytes() []byte {
	return p.arena[p.M:p.AP]
}

// Unread returns arena[AP:Lim], the writable tail available for the next read.
func (p *PDU) Unread() []byte {
	return p.arena[p.AP:p.Lim]
}

// Cap returns the PDU's total arena capacity.
func (p *PDU) Cap() int {
	return p.Lim - p.M
}

// Avail reports how many unread bytes are currently buffered: AP - M.
func (p *PDU) Avail() int {
	return p.AP - p.M
}

// Advance moves AP forward by n bytes after a successful read.
func (p *PDU) Advance(n int) {
	p.AP += n
}

// AttachResponse links resp as a response to this PDU (req).
func (p *PDU) AttachResponse(resp *PDU) {
	resp.Req = p
	resp.Kind = KindResponse
	p.Reals = append(p.Reals, resp)
}

// Release returns the PDU (and, transitively, any responses still
// attached to it) to its owning pool. Safe to call multiple times.
func (p *PDU) Release() {
	if p.pool == nil {
		return
	}
	for _, r := range p.Reals {
		r.Release()
	}
	p.Reals = nil
	pool := p.pool
	p.pool = nil
	pool.put(p)
}

// Reset restores a freshly allocated PDU's bookkeeping fields without
// touching the underlying arena bytes (the pool overwrites them on
// next use via reads).
func (p *PDU) reset() {
	p.M = 0
	p.AP = 0
	p.Scan = 0
	p.Lim = len(p.arena)
	p.Len = 0
	p.NeedLen = 1
	p.Kind = KindRequest
	p.Req = nil
	p.Reals = nil
	p.Segments = nil
	p.Retain = false
}

// CopySurplusFrom copies the surplus bytes beyond src's declared length
// (src.AP - src.M - src.Len) into this freshly allocated PDU's arena,
// as the read engine does on overflow-split: the next PDU's first
// bytes have already arrived bundled with the previous one's tail.
func (p *PDU) CopySurplusFrom(src *PDU) {
	surplusStart := src.M + src.Len
	surplus := src.arena[surplusStart:src.AP]
	n := copy(p.arena[p.M:], surplus)
	p.AP = p.M + n
}
