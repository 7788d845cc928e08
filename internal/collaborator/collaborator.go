// Package collaborator implements the minimal stub decoders spec.md
// §6 names as boundaries only ("SMTP/HTTP auxiliary decoders plug into
// the read engine via the same (proto_tag, decode_fn, min_len)
// contract as SIS/DTS"): enough line-oriented framing to exercise that
// contract for three auxiliary protocol tags, with no intent of being a
// real mail or web server.
package collaborator

import (
	"bytes"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/dispatch"
	"github.com/dbehnke/s5066d/internal/pdu"
)

// MinLen is the smallest plausible line any of these decoders will
// wait for before asking for more bytes: one byte plus the terminator.
const MinLen = 2

// Decoder holds the shared logger every stub decoder in this package
// logs through; nil is fine, matching sis.Decoder and dts.Decoder.
type Decoder struct {
	Log *log.Logger
}

// NewDecoder constructs a collaborator decoder set.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) warn(msg string, keyvals ...interface{}) {
	if d.Log != nil {
		d.Log.Warn(msg, keyvals...)
	}
}

// Register wires every stub decoder into table under its protocol tag,
// satisfying the (proto_tag, decode_fn, min_len) contract the same way
// package sis and package dts do.
func (d *Decoder) Register(table *dispatch.Table) error {
	if err := table.Register(conn.ProtoSMTP, MinLen, d.decodeSMTP); err != nil {
		return err
	}
	if err := table.Register(conn.ProtoHTTP, MinLen, d.decodeHTTP); err != nil {
		return err
	}
	if err := table.Register(conn.ProtoTestPing, MinLen, d.decodeTestPing); err != nil {
		return err
	}
	return nil
}

// readLine scans p for a newline-terminated line within the bytes
// buffered so far. It returns the line (without its terminator) and
// true once one is found; otherwise it reports the buffered length to
// wait for, one byte more than is buffered now.
func readLine(p *pdu.PDU) (line []byte, need int, ok bool) {
	b := p.Bytes()
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, len(b) + 1, false
	}
	line = b[:i]
	line = bytes.TrimRight(line, "\r")
	p.Len = i + 1
	return line, 0, true
}

// reply queues a fixed response line on c's write queue, mirroring
// package sis's sendControl: build segments directly, push, don't wait
// for the arena's own bytes (those are about to be released with p).
func reply(c *conn.Connection, body []byte) {
	if c.Pool == nil {
		return
	}
	resp := c.Pool.Get()
	resp.Segments = [][]byte{body}
	c.Stats.PDUsOut++
	c.ToWrite.Push(resp)
}

// decodeSMTP accepts one command line and acknowledges it generically;
// spec.md explicitly scopes a real SMTP server out of the core, so
// HELO/MAIL/RCPT/DATA all get the same stub acknowledgement.
func (d *Decoder) decodeSMTP(c *conn.Connection, p *pdu.PDU) pdu.Need {
	line, need, ok := readLine(p)
	if !ok {
		return pdu.NeedBytes(need)
	}
	if len(line) == 0 {
		d.warn("smtp: empty command line", "conn", c.ID)
		return pdu.NeedDone
	}
	reply(c, []byte("250 OK\r\n"))
	return pdu.NeedDone
}

// decodeHTTP accepts one request line and replies with a fixed 200
// response, demonstrating the registration path without a real HTTP
// server. Headers are not parsed: each line that follows is decoded as
// a further request line with its own reply, and the blank line ending
// the headers is logged and dropped.
func (d *Decoder) decodeHTTP(c *conn.Connection, p *pdu.PDU) pdu.Need {
	line, need, ok := readLine(p)
	if !ok {
		return pdu.NeedBytes(need)
	}
	if len(line) == 0 {
		d.warn("http: empty request line", "conn", c.ID)
		return pdu.NeedDone
	}
	const body = "stub\n"
	resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)
	reply(c, resp)
	return pdu.NeedDone
}

// decodeTestPing answers any line with PONG, a liveness probe a
// monitoring collaborator can dial without speaking SIS or DTS at all.
func (d *Decoder) decodeTestPing(c *conn.Connection, p *pdu.PDU) pdu.Need {
	_, need, ok := readLine(p)
	if !ok {
		return pdu.NeedBytes(need)
	}
	reply(c, []byte("PONG\r\n"))
	return pdu.NeedDone
}
