package frag

import "encoding/binary"

const (
	// HeaderSize is the size of the per-segment header
	HeaderSize = 2
	// LengthHeaderSize is the size of the total length field carried by start segments
	LengthHeaderSize = 4
	// StartHeaderSize is the full header size of a start segment
	StartHeaderSize = HeaderSize + LengthHeaderSize

	// DefaultMTU is the usable ATT payload before any MTU exchange
	DefaultMTU = 20
	// MaxMTU is the largest usable ATT payload
	MaxMTU = 517

	// MulticastPort addresses every port. Receivers accept it on any local port.
	MulticastPort uint8 = 0
	// MinPort is the lowest port a sender may use as its source
	MinPort uint8 = 1
	// MaxPort is the highest port the 7-bit header field can carry
	MaxPort uint8 = 127
	// DefaultLocalPort is the local port used when none is configured
	DefaultLocalPort uint8 = 1
)

// Header bit layout
const (
	flagBitPos = 7
	flagBitLen = 1
	portBitPos = 6
	portBitLen = 7
)

// Header is the decoded 2-byte segment header
type Header struct {
	Start      bool
	SourcePort uint8
	Secure     bool
	DestPort   uint8
}

// Bytes encodes the header. Invalid ports are reported as ErrInvalidParam.
func (h Header) Bytes() ([HeaderSize]byte, error) {
	var out [HeaderSize]byte
	err := EncodeHeader(out[:], h.Start, h.SourcePort, h.Secure, h.DestPort)
	return out, err
}

// EncodeHeader writes the 2-byte header into dst. Nothing is written on failure.
func EncodeHeader(dst []byte, start bool, src uint8, secure bool, dstPort uint8) error {
	if len(dst) < HeaderSize || src < MinPort || src > MaxPort || dstPort > MaxPort {
		return ErrInvalidParam
	}

	var b0, b1 byte
	if err := SetBits(&b0, flagBitPos, flagBitLen, boolBit(start)); err != nil {
		return err
	}
	if err := SetBits(&b0, portBitPos, portBitLen, src); err != nil {
		return err
	}
	if err := SetBits(&b1, flagBitPos, flagBitLen, boolBit(secure)); err != nil {
		return err
	}
	if err := SetBits(&b1, portBitPos, portBitLen, dstPort); err != nil {
		return err
	}

	dst[0] = b0
	dst[1] = b1
	return nil
}

// DecodeHeader decodes the first two bytes of b. Callers must ensure len(b) >= 2.
func DecodeHeader(b []byte) Header {
	return Header{
		Start:      b[0]&0x80 != 0,
		SourcePort: b[0] & 0x7F,
		Secure:     b[1]&0x80 != 0,
		DestPort:   b[1] & 0x7F,
	}
}

// EncodeLength writes total as a big-endian 32-bit value. dst must be exactly 4 bytes.
func EncodeLength(dst []byte, total uint32) error {
	if len(dst) != LengthHeaderSize {
		return ErrInvalidParam
	}
	binary.BigEndian.PutUint32(dst, total)
	return nil
}

// DecodeLength reads the total length carried after the header of a start segment
func DecodeLength(segment []byte, headerLen int) (uint32, error) {
	if headerLen != LengthHeaderSize || len(segment) < StartHeaderSize {
		return 0, ErrInvalidParam
	}
	return binary.BigEndian.Uint32(segment[HeaderSize:StartHeaderSize]), nil
}

func boolBit(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
