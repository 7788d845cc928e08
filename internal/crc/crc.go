// Package crc implements the two CRC algorithms STANAG 5066 Annex C
// relies on: a CRC-16 over D_PDU headers and payloads, and a CRC-32
// used by management/reset PDUs. Both are reflected (LSB-first)
// table-driven CRCs built the same way, differing only in polynomial
// and register width.
package crc

// Poly16 is the STANAG 5066 CRC-16 reflected polynomial.
const Poly16 uint16 = 0x9299

// Poly32 is the STANAG 5066 CRC-32 reflected polynomial.
const Poly32 uint32 = 0xF3A4E550

var table16 = buildTable16(Poly16)
var table32 = buildTable32(Poly32)

func buildTable16(poly uint16) [256]uint16 {
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

func buildTable32(poly uint32) [256]uint32 {
	var table [256]uint32
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// Update16 folds one byte into an existing CRC-16 accumulator.
func Update16(crc uint16, b byte) uint16 {
	return table16[byte(crc)^b] ^ (crc >> 8)
}

// Update32 folds one byte into an existing CRC-32 accumulator.
func Update32(crc uint32, b byte) uint32 {
	return table32[byte(crc)^b] ^ (crc >> 8)
}

// CRC16 computes the CRC-16 of a byte span, starting from the
// initial value of zero STANAG 5066 specifies.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = Update16(crc, b)
	}
	return crc
}

// CRC32 computes the CRC-32 of a byte span.
func CRC32(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = Update32(crc, b)
	}
	return crc
}

// Verify16 reports whether the last two bytes of data (big-endian) are
// the correct CRC-16 of the bytes preceding them.
func Verify16(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	body, tail := data[:len(data)-2], data[len(data)-2:]
	got := CRC16(body)
	want := uint16(tail[0])<<8 | uint16(tail[1])
	return got == want
}

// Append16 appends the big-endian CRC-16 of data to data.
func Append16(data []byte) []byte {
	crc := CRC16(data)
	return append(data, byte(crc>>8), byte(crc))
}

// Verify32 reports whether the last four bytes of data (big-endian) are
// the correct CRC-32 of the bytes preceding them.
func Verify32(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	body, tail := data[:len(data)-4], data[len(data)-4:]
	got := CRC32(body)
	want := uint32(tail[0])<<24 | uint32(tail[1])<<16 | uint32(tail[2])<<8 | uint32(tail[3])
	return got == want
}

// Append32 appends the big-endian CRC-32 of data to data.
func Append32(data []byte) []byte {
	crc := CRC32(data)
	return append(data, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
