package addr

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
		dst  []byte
	}{
		{"1+1", []byte{0x3}, []byte{0x7}},
		{"3+4", []byte{0x1, 0x2, 0x3}, []byte{0x4, 0x5, 0x6, 0x7}},
		{"7+7", []byte{0, 1, 2, 3, 4, 5, 6}, []byte{6, 5, 4, 3, 2, 1, 0}},
		{"odd total", []byte{0xA, 0xB, 0xC}, []byte{0xD}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(Pair{Src: tt.src, Dst: tt.dst})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			wantLen := EncodedLen(len(tt.src), len(tt.dst))
			if len(encoded) != wantLen {
				t.Fatalf("encoded length = %d, want %d", len(encoded), wantLen)
			}

			decoded, err := Decode(encoded, len(tt.src), len(tt.dst), wantLen)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if !bytes.Equal(decoded.Src, tt.src) {
				t.Errorf("Src = %v, want %v", decoded.Src, tt.src)
			}
			if !bytes.Equal(decoded.Dst, tt.dst) {
				t.Errorf("Dst = %v, want %v", decoded.Dst, tt.dst)
			}
		})
	}
}

func TestEncodeRejectsOutOfRangeLengths(t *testing.T) {
	if _, err := Encode(Pair{Src: []byte{}, Dst: []byte{1}}); err == nil {
		t.Error("expected error for zero-length source")
	}
	if _, err := Encode(Pair{Src: make([]byte, 8), Dst: []byte{1}}); err == nil {
		t.Error("expected error for 8-byte source")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	encoded, err := Encode(Pair{Src: []byte{1, 2, 3}, Dst: []byte{4, 5}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Claim a header length shorter than the 3 packed bytes this needs.
	if _, err := Decode(encoded, 3, 2, 2); err == nil {
		t.Error("expected error when header length can't hold declared address bytes")
	}
}

func TestDecodeRejectsOutOfRangeDeclaredLength(t *testing.T) {
	data := []byte{0x12, 0x34}
	if _, err := Decode(data, 8, 1, 5); err == nil {
		t.Error("expected error for source length > 7")
	}
	if _, err := Decode(data, 1, 0, 5); err == nil {
		t.Error("expected error for destination length 0")
	}
}

func TestFixed4(t *testing.T) {
	tests := []struct {
		name   string
		digits []byte
		want   [4]byte
	}{
		{"shorter than 4 zero-pads on the left", []byte{1, 2, 3}, [4]byte{0, 1, 2, 3}},
		{"exactly 4 passes through", []byte{1, 2, 3, 4}, [4]byte{1, 2, 3, 4}},
		{"longer than 4 keeps the low-order nibbles", []byte{7, 1, 2, 3, 4}, [4]byte{1, 2, 3, 4}},
		{"single digit", []byte{9}, [4]byte{0, 0, 0, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fixed4(tt.digits); got != tt.want {
				t.Fatalf("Fixed4(%v) = %v, want %v", tt.digits, got, tt.want)
			}
		})
	}
}
