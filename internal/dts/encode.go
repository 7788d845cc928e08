package dts

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/s5066d/internal/addr"
	"github.com/dbehnke/s5066d/internal/crc"
	"github.com/dbehnke/s5066d/internal/pdu"
)

// ErrWindowFull is returned by SendARQ when the peer's outstanding
// transmit window already holds the maximum 127 unacknowledged
// sequences.
var ErrWindowFull = fmt.Errorf("dts: transmit window full")

// buildDPDU assembles one D_PDU's wire bytes as a single contiguous
// segment: sync, fixed header, addresses, type-specific header,
// header CRC, payload, and (if payload present) payload CRC. A
// single segment is sufficient here since, unlike the write engine's
// general scatter/gather contract, nothing about this header is
// reused across multiple outbound PDUs.
func buildDPDU(dtype DType, eow uint16, eot uint8, addrs addr.Pair, typeHeader, payload []byte) ([]byte, error) {
	addrBytes, err := addr.Encode(addrs)
	if err != nil {
		return nil, err
	}
	hdrLen := len(typeHeader)
	if hdrLen < MinHdrLen || hdrLen > MaxHdrLen {
		return nil, fmt.Errorf("dts: type-specific header length %d out of range [%d,%d]", hdrLen, MinHdrLen, MaxHdrLen)
	}

	headerEnd := fixedHeaderLen + len(addrBytes) + hdrLen
	total := headerEnd + 2
	if len(payload) > 0 {
		total += len(payload) + 2
	}

	b := make([]byte, total)
	b[0] = syncByte0
	b[1] = syncByte1
	b[2] = byte(dtype)<<4 | byte(eow>>8)&0x0F
	b[3] = byte(eow)
	b[4] = eot
	b[5] = byte(len(addrs.Src)&0x07)<<5 | byte(hdrLen&0x1F)
	off := fixedHeaderLen
	off += copy(b[off:], addrBytes)
	off += copy(b[off:], typeHeader)

	headerCRC := crc.CRC16(b[:off])
	binary.BigEndian.PutUint16(b[off:off+2], headerCRC)
	off += 2

	if len(payload) > 0 {
		off += copy(b[off:], payload)
		payloadCRC := crc.CRC16(payload)
		binary.BigEndian.PutUint16(b[off:off+2], payloadCRC)
	}

	return b, nil
}

// SendARQ allocates sequence numbers for c_pdu (already segmented by
// the caller into ≤MaxSegment pieces) and queues the resulting D_PDUs
// on the peer connection's write queue, per spec.md §4.7's transmit
// allocation rule. Every allocated D_PDU is retained in tx_pdus until
// ACKed, so the queued PDUs are also marked Retain.
func SendARQ(peer *Peer, pool *pdu.WorkerCache, addrs addr.Pair, segments [][]byte) error {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	if len(segments) == 0 {
		return fmt.Errorf("dts: SendARQ requires at least one segment")
	}
	for i, payload := range segments {
		if len(payload) > MaxSegment {
			return fmt.Errorf("dts: segment %d is %d bytes, exceeds max %d", i, len(payload), MaxSegment)
		}
	}
	// Check the whole C_PDU fits in the remaining window before
	// allocating any segment, so a multi-segment C_PDU is never left
	// half-queued by a mid-run window-full failure.
	if seqDistance(peer.txLWE, peer.txUWE)+len(segments) > MaxWindow {
		return ErrWindowFull
	}

	for i, payload := range segments {
		s := peer.txUWE

		var flags uint8
		switch {
		case len(segments) == 1:
			flags = FlagSingle
		case i == 0:
			flags = FlagFirst
		case i == len(segments)-1:
			flags = FlagLast
		}

		th := ArqHeader{Seq: s, Flags: flags, PayloadLen: uint16(len(payload))}
		wire, err := buildDPDU(DataOnly, 0, 0, addrs, th.encode(), payload)
		if err != nil {
			return err
		}

		p := pool.Get()
		p.Retain = true
		p.Segments = [][]byte{wire}
		peer.txPDUs[s] = p
		peer.conn.ToWrite.Push(p)

		peer.txUWE = seqAdd(s, 1)
	}
	return nil
}

// SendNonARQ segments c_pdu into ≤MaxSegment pieces under a fresh
// C_PDU ID and queues them on the peer's write queue, per spec.md
// §8 scenario 2.
func SendNonARQ(peer *Peer, pool *pdu.WorkerCache, addrs addr.Pair, cpduID uint16, cpdu []byte, segSize int) error {
	if len(cpdu) == 0 || len(cpdu) > MaxCPDU {
		return fmt.Errorf("dts: c_pdu size %d out of range [1,%d]", len(cpdu), MaxCPDU)
	}
	if segSize <= 0 || segSize > MaxSegment {
		segSize = MaxSegment
	}

	for offset := 0; offset < len(cpdu); offset += segSize {
		end := offset + segSize
		if end > len(cpdu) {
			end = len(cpdu)
		}
		seg := cpdu[offset:end]

		nh := NonArqHeader{
			SegSize:   uint16(len(seg)),
			CPDUID:    cpduID,
			TotalSize: uint16(len(cpdu)),
			Offset:    uint16(offset),
		}
		wire, err := buildDPDU(NonArq, 0, 0, addrs, nh.encode(), seg)
		if err != nil {
			return err
		}

		p := pool.Get()
		p.Segments = [][]byte{wire}
		peer.conn.ToWrite.Push(p)
	}
	return nil
}
