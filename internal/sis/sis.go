// Package sis implements the STANAG 5066 Annex A subnetwork interface
// sublayer: the client-facing primitive protocol carrying BIND,
// UNBIND, and UNIDATA request/indication exchanges over a preamble-
// framed, length-prefixed wire format.
package sis

import (
	"encoding/binary"

	"github.com/charmbracelet/log"

	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/pdu"
	"github.com/dbehnke/s5066d/internal/registry"
	"github.com/dbehnke/s5066d/internal/s5066err"
)

// Wire constants, spec.md §6.
const (
	preambleLen  = 3
	lengthLen    = 2
	headerLen    = preambleLen + lengthLen
	MinPDU       = 5
	MaxPDU       = 8192
	BroadcastMTU = 4096
	MaxSAP       = registry.MaxSAP
)

var preamble = [preambleLen]byte{0x90, 0xEB, 0x00}

// PrimitiveType tags the byte at offset 5.
type PrimitiveType byte

const (
	BindRequest       PrimitiveType = 0x01
	UnbindRequest     PrimitiveType = 0x02
	BindAccepted      PrimitiveType = 0x03
	BindRejected      PrimitiveType = 0x04
	UnbindIndication  PrimitiveType = 0x05
	UnidataRequest    PrimitiveType = 0x14
	UnidataIndication PrimitiveType = 0x15
)

// DefaultMTU is the negotiated MTU handed back in BIND_ACCEPTED. The
// source negotiates this per service type; absent a richer service
// catalogue this core offers one fixed value, matching the worked
// example in spec.md §8 scenario 1.
const DefaultMTU = 2048

// Bridge receives a validated UNIDATA_REQUEST for handoff to the DTS
// transmit side. Defined here, implemented by package bridge, to
// avoid sis depending on dts.
type Bridge interface {
	SendUnidata(sap uint8, destAddr [4]byte, deliveryMode, transmissionMode byte, payload []byte) error
}

// Decoder is the per-worker SIS decode/encode engine: it owns no
// connection state (that lives on conn.Connection.SIS) but needs the
// shared SAP table to enforce binding exclusivity and, optionally, a
// bridge to forward UNIDATA_REQUESTs into the DTS engine.
type Decoder struct {
	SAPs   *registry.SAPTable
	Bridge Bridge

	// Log receives warnings for validation failures (spec.md §7's
	// second error tier). Nil is fine — decode still runs, just quietly
	// — so unit tests don't need to wire one up.
	Log *log.Logger
}

// NewDecoder builds a SIS decoder bound to the daemon's SAP table.
func NewDecoder(saps *registry.SAPTable, bridge Bridge) *Decoder {
	return &Decoder{SAPs: saps, Bridge: bridge}
}

// warn logs a tiered error (spec.md §7's Framing/Validation split),
// letting log aggregation filter on "tier" without re-deriving it from
// the message text.
func (d *Decoder) warn(err *s5066err.Error, keyvals ...interface{}) {
	if d.Log != nil {
		d.Log.Warn(err.Error(), append(keyvals, "tier", err.Tier)...)
	}
}

// Decode implements the dispatch.DecodeFunc contract for conn.ProtoSIS.
func (d *Decoder) Decode(c *conn.Connection, p *pdu.PDU) pdu.Need {
	if p.Avail() < headerLen {
		return pdu.NeedBytes(headerLen)
	}
	b := p.Bytes()
	if b[0] != preamble[0] || b[1] != preamble[1] || b[2] != preamble[2] {
		return pdu.NeedCloseErr(s5066err.Framingf("sis", "bad preamble from %s", c.PeerAddr))
	}
	length := int(binary.BigEndian.Uint16(b[3:5]))
	total := headerLen + length
	if length < 1 || total > MaxPDU {
		return pdu.NeedCloseErr(s5066err.Framingf("sis", "declared length %d out of range from %s", length, c.PeerAddr))
	}
	if p.Avail() < total {
		return pdu.NeedBytes(total)
	}
	p.Len = total

	primType := PrimitiveType(b[headerLen])
	body := b[headerLen+1 : total]

	switch primType {
	case BindRequest:
		d.handleBindRequest(c, p, body)
	case UnbindRequest:
		d.handleUnbindRequest(c)
	case UnidataRequest:
		d.handleUnidataRequest(c, p, body)
	default:
		// Unknown primitive within an otherwise well-framed PDU: spec.md
		// §4.6 calls for a rejection where the standard defines one and
		// a silent discard otherwise. No rejection is defined generically
		// for an unrecognized type, so discard and keep the connection.
	}
	return pdu.NeedDone
}

// handleBindRequest implements spec.md §4.6's BIND_REQUEST contract
// and the worked example of §8 scenario 1.
func (d *Decoder) handleBindRequest(c *conn.Connection, p *pdu.PDU, body []byte) {
	if len(body) < 3 {
		d.warn(s5066err.Framingf("sis", "bind request too short: %d bytes", len(body)), "peer", c.PeerAddr)
		d.sendBindRejected(c, p, 0)
		c.MarkClosed()
		return
	}
	sap := body[0] >> 4
	rank := body[0] & 0x0F
	svcType := binary.BigEndian.Uint16(body[1:3])

	if err := d.SAPs.Claim(sap, c, rank, svcType); err != nil {
		d.warn(s5066err.Validationf("sis", "bind rejected: %v", err), "sap", sap, "peer", c.PeerAddr)
		d.sendBindRejected(c, p, sap)
		return
	}

	c.SIS = &conn.SISState{Bound: true, SAP: sap, Rank: rank, SvcType: svcType, MTU: DefaultMTU}
	d.sendBindAccepted(c, p, sap)
}

// handleUnbindRequest releases whatever SAP c currently owns.
func (d *Decoder) handleUnbindRequest(c *conn.Connection) {
	if c.SIS == nil || !c.SIS.Bound {
		return
	}
	d.SAPs.Release(c.SIS.SAP, c)
	c.SIS.Bound = false
}

// handleUnidataRequest implements spec.md §4.6's UNIDATA_REQUEST
// contract: a 9-byte fixed header (SAP nibble, 4-byte dest address,
// delivery mode, transmission mode, u16 U_PDU length) followed by the
// U_PDU bytes, handed to the SIS↔DTS bridge.
func (d *Decoder) handleUnidataRequest(c *conn.Connection, p *pdu.PDU, body []byte) {
	const fixedLen = 9
	if len(body) < fixedLen {
		d.warn(s5066err.Framingf("sis", "unidata request shorter than fixed header: %d bytes", len(body)), "peer", c.PeerAddr)
		c.MarkClosed()
		return
	}
	destSAP := body[0] & 0x0F
	var destAddr [4]byte
	copy(destAddr[:], body[1:5])
	deliveryMode := body[5]
	transmissionMode := body[6]
	uPDULen := int(binary.BigEndian.Uint16(body[7:9]))

	if uPDULen > BroadcastMTU {
		d.warn(s5066err.Validationf("sis", "unidata request rejected: U_PDU too large"), "peer", c.PeerAddr, "len", uPDULen)
		c.MarkClosed()
		return
	}
	if len(body) < fixedLen+uPDULen {
		d.warn(s5066err.Framingf("sis", "unidata request declared length exceeds body"), "peer", c.PeerAddr, "declared", uPDULen, "have", len(body)-fixedLen)
		c.MarkClosed()
		return
	}
	payload := body[fixedLen : fixedLen+uPDULen]

	if d.Bridge == nil {
		return
	}
	if err := d.Bridge.SendUnidata(destSAP, destAddr, deliveryMode, transmissionMode, payload); err != nil {
		d.warn(s5066err.Validationf("sis", "unidata request could not be routed: %v", err), "destSAP", destSAP)
	}
}

// unidataIndicationHeaderLen is the fixed portion of a UNIDATA_INDICATION
// body: destSAP nibble, 4-byte source address, delivery mode,
// transmission mode, U_PDU length, and reserved padding out to the
// 22-byte minimum header spec.md §4.6 requires. The source address and
// mode fields aren't tracked by the DTS reassembly path that feeds this
// (see dts.Deliverer), so they're zero-filled; see DESIGN.md.
const unidataIndicationHeaderLen = 22

// BuildUnidataIndication encodes a UNIDATA_INDICATION PDU's wire bytes
// for delivery to the connection bound to destSAP. Exported for package
// bridge, which has no other way to reach this sublayer's wire format
// without an import cycle back through sis.Bridge.
func BuildUnidataIndication(destSAP uint8, srcAddr [4]byte, deliveryMode, transmissionMode byte, payload []byte) [][]byte {
	fixed := make([]byte, unidataIndicationHeaderLen)
	fixed[0] = destSAP & 0x0F
	copy(fixed[1:5], srcAddr[:])
	fixed[5] = deliveryMode
	fixed[6] = transmissionMode
	binary.BigEndian.PutUint16(fixed[7:9], uint16(len(payload)))

	length := 1 + unidataIndicationHeaderLen + len(payload)
	header := make([]byte, headerLen+1)
	copy(header[0:3], preamble[:])
	binary.BigEndian.PutUint16(header[3:5], uint16(length))
	header[5] = byte(UnidataIndication)

	return [][]byte{header, fixed, payload}
}

func (d *Decoder) sendBindAccepted(c *conn.Connection, req *pdu.PDU, sap uint8) {
	body := []byte{sap << 4, byte(DefaultMTU >> 8), byte(DefaultMTU & 0xFF)}
	d.sendControl(c, req, BindAccepted, body)
}

func (d *Decoder) sendBindRejected(c *conn.Connection, req *pdu.PDU, sap uint8) {
	body := []byte{sap << 4, 0, 0}
	d.sendControl(c, req, BindRejected, body)
}

// sendControl builds a response PDU of the given primitive type and
// body, links it as a response to req so retransmission/ACK cascade
// can find it, and queues it for the write engine.
func (d *Decoder) sendControl(c *conn.Connection, req *pdu.PDU, primType PrimitiveType, body []byte) {
	if c.Pool == nil {
		return
	}
	resp := c.Pool.Get()
	length := 1 + len(body)
	header := make([]byte, headerLen+1)
	copy(header[0:3], preamble[:])
	binary.BigEndian.PutUint16(header[3:5], uint16(length))
	header[5] = byte(primType)
	resp.Segments = [][]byte{header, body}

	if req != nil {
		req.AttachResponse(resp)
	}
	c.Stats.PDUsOut++
	c.ToWrite.Push(resp)
}
