package helpers

import (
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"empty", ""},
		{"single", "0a"},
		{"pubkey-like", "a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3e4f5a0b1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := HexToBytes(tt.hex)
			if err != nil {
				t.Fatalf("HexToBytes() error = %v", err)
			}
			if got := BytesToHex(b); got != tt.hex {
				t.Errorf("round trip = %q, want %q", got, tt.hex)
			}
		})
	}
}

func TestHexToBytesInvalid(t *testing.T) {
	if _, err := HexToBytes("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := HexToBytes("abc"); err == nil {
		t.Error("expected error for odd-length hex")
	}
}

func TestHexToBytes32(t *testing.T) {
	ok := "0101010101010101010101010101010101010101010101010101010101010101"
	b, err := HexToBytes32(ok)
	if err != nil {
		t.Fatalf("HexToBytes32() error = %v", err)
	}
	if b[0] != 1 || b[31] != 1 {
		t.Error("unexpected decoded bytes")
	}

	if _, err := HexToBytes32("0102"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestBytesEqual(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"not equal", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different length", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"nil equal", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BytesEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("BytesEqual = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroBytes(b)
	if !IsZeroBytes(b) {
		t.Error("ZeroBytes did not clear the slice")
	}
}
