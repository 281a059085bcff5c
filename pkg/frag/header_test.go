package frag

import (
	"errors"
	"testing"
)

func TestSetBits(t *testing.T) {
	tests := []struct {
		name    string
		initial byte
		pos, n  uint
		value   uint8
		want    byte
		wantErr bool
	}{
		{"msb flag", 0x00, 7, 1, 1, 0x80, false},
		{"port field", 0x80, 6, 7, 0x55, 0xD5, false},
		{"preserves other bits", 0xFF, 6, 7, 0, 0x80, false},
		{"value truncated to width", 0x00, 3, 2, 0xFF, 0x0C, false},
		{"field wider than position", 0x00, 2, 4, 1, 0x00, true},
		{"position out of byte", 0x00, 8, 1, 1, 0x00, true},
		{"zero width", 0x00, 3, 0, 1, 0x00, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.initial
			err := SetBits(&b, tt.pos, tt.n, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetBits() error = %v, wantErr %v", err, tt.wantErr)
			}
			if b != tt.want {
				t.Errorf("SetBits() = 0x%02X, want 0x%02X", b, tt.want)
			}
		})
	}
}

func TestGetBits(t *testing.T) {
	v, err := GetBits(0xD5, 6, 7)
	if err != nil {
		t.Fatalf("GetBits() error = %v", err)
	}
	if v != 0x55 {
		t.Errorf("GetBits() = 0x%02X, want 0x55", v)
	}

	if _, err := GetBits(0xFF, 1, 3); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("GetBits() error = %v, want ErrInvalidParam", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize)
	for src := MinPort; src <= MaxPort; src++ {
		for dst := 0; dst <= int(MaxPort); dst++ {
			for _, start := range []bool{true, false} {
				for _, secure := range []bool{true, false} {
					if err := EncodeHeader(buf, start, src, secure, uint8(dst)); err != nil {
						t.Fatalf("EncodeHeader(%v, %d, %v, %d) error = %v", start, src, secure, dst, err)
					}
					want := Header{Start: start, SourcePort: src, Secure: secure, DestPort: uint8(dst)}
					if got := DecodeHeader(buf); got != want {
						t.Fatalf("DecodeHeader() = %+v, want %+v", got, want)
					}
				}
			}
		}
	}
}

func TestHeaderWireLayout(t *testing.T) {
	h := Header{Start: true, SourcePort: 1, Secure: true, DestPort: 0x22}
	b, err := h.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if b[0] != 0x81 || b[1] != 0xA2 {
		t.Errorf("Bytes() = % X, want 81 A2", b)
	}
}

func TestEncodeHeaderRejectsPorts(t *testing.T) {
	tests := []struct {
		name string
		src  uint8
		dst  uint8
	}{
		{"source zero", 0, 1},
		{"source too large", 128, 1},
		{"destination too large", 1, 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := []byte{0xAA, 0xBB}
			err := EncodeHeader(buf, true, tt.src, true, tt.dst)
			if !errors.Is(err, ErrInvalidParam) {
				t.Fatalf("EncodeHeader() error = %v, want ErrInvalidParam", err)
			}
			if buf[0] != 0xAA || buf[1] != 0xBB {
				t.Errorf("EncodeHeader() wrote % X on failure", buf)
			}
		})
	}
}

func TestLengthCodec(t *testing.T) {
	buf := make([]byte, LengthHeaderSize)
	if err := EncodeLength(buf, 0x01020304); err != nil {
		t.Fatalf("EncodeLength() error = %v", err)
	}
	if buf[0] != 0x01 || buf[3] != 0x04 {
		t.Errorf("EncodeLength() = % X, want big-endian", buf)
	}

	seg := append([]byte{0x81, 0x01}, buf...)
	total, err := DecodeLength(seg, LengthHeaderSize)
	if err != nil {
		t.Fatalf("DecodeLength() error = %v", err)
	}
	if total != 0x01020304 {
		t.Errorf("DecodeLength() = %d, want %d", total, 0x01020304)
	}

	if err := EncodeLength(make([]byte, 3), 1); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("EncodeLength(3 bytes) error = %v, want ErrInvalidParam", err)
	}
	if _, err := DecodeLength(seg, 2); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("DecodeLength(headerLen 2) error = %v, want ErrInvalidParam", err)
	}
	if _, err := DecodeLength(seg[:5], LengthHeaderSize); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("DecodeLength(short) error = %v, want ErrInvalidParam", err)
	}
}
