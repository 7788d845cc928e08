package dts

import "encoding/binary"

// NonArqHeader is this implementation's byte-aligned encoding of the
// Non-ARQ type-specific header spec.md §4.7 describes in bit-packed
// terms (2-bit segment-size-high + 8-bit segment-size-low, 12-bit
// C_PDU ID, etc). Rather than pack fields across byte boundaries for
// no benefit in a byte-oriented language, each field gets its own
// 16-bit slot, sized generously enough to hold the bit-width the spec
// names; see DESIGN.md for this Open Question's resolution.
type NonArqHeader struct {
	SegSize       uint16 // 1..MaxSegment
	CPDUID        uint16 // 0..MaxCPDUID
	TotalSize     uint16 // 1..MaxCPDU
	Offset        uint16
	RxWindowHint  uint16
}

const nonArqHeaderLen = 10

func parseNonArqHeader(b []byte) (NonArqHeader, bool) {
	if len(b) < nonArqHeaderLen {
		return NonArqHeader{}, false
	}
	h := NonArqHeader{
		SegSize:      binary.BigEndian.Uint16(b[0:2]),
		CPDUID:       binary.BigEndian.Uint16(b[2:4]),
		TotalSize:    binary.BigEndian.Uint16(b[4:6]),
		Offset:       binary.BigEndian.Uint16(b[6:8]),
		RxWindowHint: binary.BigEndian.Uint16(b[8:10]),
	}
	if h.SegSize == 0 || h.SegSize > MaxSegment {
		return NonArqHeader{}, false
	}
	if h.CPDUID > MaxCPDUID {
		return NonArqHeader{}, false
	}
	if h.TotalSize == 0 || h.TotalSize > MaxCPDU {
		return NonArqHeader{}, false
	}
	return h, true
}

func (h NonArqHeader) encode() []byte {
	b := make([]byte, nonArqHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], h.SegSize)
	binary.BigEndian.PutUint16(b[2:4], h.CPDUID)
	binary.BigEndian.PutUint16(b[4:6], h.TotalSize)
	binary.BigEndian.PutUint16(b[6:8], h.Offset)
	binary.BigEndian.PutUint16(b[8:10], h.RxWindowHint)
	return b
}

// Segment flag bits, spec.md §4.7.
const (
	FlagFirst  = 0x80
	FlagLast   = 0x40
	FlagSingle = FlagFirst | FlagLast
)

// ArqHeader is this implementation's unified type-specific header for
// every D_TYPE that carries ARQ sequencing and/or acknowledgement
// info (DATA_ONLY, ACK_ONLY, DATA_ACK, EDATA_ONLY, EACK_ONLY). D_TYPE
// 2 (DATA_ACK) piggybacks an acknowledgement on a data segment, so the
// header always carries both halves; pure data D_PDUs leave the ack
// fields zeroed and pure ACK D_PDUs leave the sequencing fields
// zeroed. This keeps one decode path for every D_TYPE in the family
// instead of five near-duplicates. See DESIGN.md.
type ArqHeader struct {
	Seq        uint8
	Flags      uint8
	AckLWE     uint8
	BitmapLen  uint8
	PayloadLen uint16
	Bitmap     []byte
}

const arqHeaderMinLen = 6

func parseArqHeader(b []byte) (ArqHeader, bool) {
	if len(b) < arqHeaderMinLen {
		return ArqHeader{}, false
	}
	h := ArqHeader{
		Seq:        b[0],
		Flags:      b[1],
		AckLWE:     b[2],
		BitmapLen:  b[3],
		PayloadLen: binary.BigEndian.Uint16(b[4:6]),
	}
	if len(b) < arqHeaderMinLen+int(h.BitmapLen) {
		return ArqHeader{}, false
	}
	h.Bitmap = b[arqHeaderMinLen : arqHeaderMinLen+int(h.BitmapLen)]
	return h, true
}

func (h ArqHeader) encode() []byte {
	b := make([]byte, arqHeaderMinLen+len(h.Bitmap))
	b[0] = h.Seq
	b[1] = h.Flags
	b[2] = h.AckLWE
	b[3] = byte(len(h.Bitmap))
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLen)
	copy(b[arqHeaderMinLen:], h.Bitmap)
	return b
}

// peekPayloadLen extracts the payload length a D_PDU's type-specific
// header declares, before CRC verification, so the decoder can learn
// how many more bytes to wait for.
func peekPayloadLen(hdr header, typeHeader []byte) (int, bool) {
	switch {
	case hdr.DType == NonArq || hdr.DType == ExpeditedNonArq:
		nh, ok := parseNonArqHeader(typeHeader)
		if !ok {
			return 0, false
		}
		return int(nh.SegSize), true
	case isARQData(hdr.DType) || isACK(hdr.DType):
		ah, ok := parseArqHeader(typeHeader)
		if !ok {
			return 0, false
		}
		if int(ah.PayloadLen) > MaxSegment {
			return 0, false
		}
		return int(ah.PayloadLen), true
	default:
		return 0, true
	}
}
