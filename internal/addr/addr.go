// Package addr implements the STANAG 5066 hierarchical address codec:
// 1-7 byte addresses packed two-per-byte in 4-bit nibbles, with the
// length of each address carried in the upper 3 bits of the first
// header byte.
package addr

import "fmt"

// MaxLen is the longest address STANAG 5066 permits.
const MaxLen = 7

// Pair is a decoded source/destination address pair as they travel
// together in a D_PDU header. Each element of Src/Dst is one address
// digit in 0..15 — the nibble STANAG 5066 hierarchical addressing packs
// two-per-byte, not an arbitrary byte value.
type Pair struct {
	Src []byte
	Dst []byte
}

// EncodedLen returns the number of bytes a source/destination pair of
// the given nibble lengths occupies once packed.
func EncodedLen(srcLen, dstLen int) int {
	return (srcLen + dstLen + 1) / 2
}

// Encode packs a source/destination address pair into nibble-packed
// bytes. Each address must be 1..MaxLen bytes.
func Encode(p Pair) ([]byte, error) {
	if len(p.Src) < 1 || len(p.Src) > MaxLen {
		return nil, fmt.Errorf("addr: source length %d out of range [1,%d]", len(p.Src), MaxLen)
	}
	if len(p.Dst) < 1 || len(p.Dst) > MaxLen {
		return nil, fmt.Errorf("addr: destination length %d out of range [1,%d]", len(p.Dst), MaxLen)
	}

	nibbles := make([]byte, 0, MaxLen*2)
	nibbles = append(nibbles, p.Src...)
	nibbles = append(nibbles, p.Dst...)

	out := make([]byte, EncodedLen(len(p.Src), len(p.Dst)))
	for i, nib := range nibbles {
		if i%2 == 0 {
			out[i/2] = nib << 4
		} else {
			out[i/2] |= nib & 0x0F
		}
	}
	return out, nil
}

// Fixed4 canonicalizes a variable-length 1-7 nibble address into the
// 4-byte address space the SIS side of the bridge uses, by right-
// aligning the nibbles (dropping any beyond the low-order 4, zero-
// padding on the left if fewer than 4) and widening each nibble to a
// full byte. This is the same direction bridge.sendOne reinterprets a
// SIS destAddr's 4 raw bytes as 4 address nibbles, just run backwards.
func Fixed4(digits []byte) [4]byte {
	var out [4]byte
	start := len(digits) - 4
	if start < 0 {
		start = 0
	}
	tail := digits[start:]
	copy(out[4-len(tail):], tail)
	return out
}

// Decode unpacks a source/destination address pair given their declared
// nibble lengths and the header length field that is supposed to
// accommodate them. hdrLen is the number of address bytes the caller's
// header claims to carry; decode fails if that's insufficient for the
// declared lengths.
func Decode(data []byte, srcLen, dstLen, hdrLen int) (Pair, error) {
	if srcLen < 1 || srcLen > MaxLen {
		return Pair{}, fmt.Errorf("addr: source length %d out of range [1,%d]", srcLen, MaxLen)
	}
	if dstLen < 1 || dstLen > MaxLen {
		return Pair{}, fmt.Errorf("addr: destination length %d out of range [1,%d]", dstLen, MaxLen)
	}

	need := EncodedLen(srcLen, dstLen)
	if hdrLen < need {
		return Pair{}, fmt.Errorf("addr: header length %d cannot hold %d+%d byte addresses (need %d packed bytes)", hdrLen, srcLen, dstLen, need)
	}
	if len(data) < need {
		return Pair{}, fmt.Errorf("addr: short buffer: have %d bytes, need %d", len(data), need)
	}

	nibbles := make([]byte, srcLen+dstLen)
	for i := range nibbles {
		b := data[i/2]
		if i%2 == 0 {
			nibbles[i] = (b >> 4) & 0x0F
		} else {
			nibbles[i] = b & 0x0F
		}
	}

	return Pair{
		Src: nibbles[:srcLen],
		Dst: nibbles[srcLen:],
	}, nil
}
