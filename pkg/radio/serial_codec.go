package radio

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Serial bridge framing
const (
	frameStart byte = 0x7E
	frameEnd   byte = 0x7F
	frameEsc   byte = 0x7D
	escXor     byte = 0x20

	maxEnvelopeSize = 1024
)

var (
	ErrBadFrame = errors.New("malformed serial frame")
	ErrBadCRC   = errors.New("serial frame CRC mismatch")
)

// Envelope types exchanged with the BLE co-processor
const (
	envStartServer uint8 = iota + 1
	envStopServer
	envStartClient
	envStopClient
	envSend
	envAck
	envData
	envConnection
	envAdapter
	envMTU
	envQuery
)

// envelope is the CBOR body of one serial frame
type envelope struct {
	Type    uint8  `cbor:"1,keyasint"`
	Seq     uint32 `cbor:"2,keyasint,omitempty"`
	Role    uint8  `cbor:"3,keyasint,omitempty"`
	Address string `cbor:"4,keyasint,omitempty"`
	Data    []byte `cbor:"5,keyasint,omitempty"`
	Flag    bool   `cbor:"6,keyasint,omitempty"`
	Value   uint16 `cbor:"7,keyasint,omitempty"`
	Error   string `cbor:"8,keyasint,omitempty"`
}

var crcCCITTTable [256]uint16

func init() {
	// CRC-16-CCITT, polynomial 0x1021, MSB first
	const poly uint16 = 0x1021

	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crcCCITTTable[i] = crc
	}
}

// crc16 computes CRC-16-CCITT with initial value 0xFFFF
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcCCITTTable[byte(crc>>8)^b]
	}
	return crc
}

// encodeFrame returns START | stuffed(cbor || crc) | END
func encodeFrame(env *envelope) ([]byte, error) {
	body, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(body) > maxEnvelopeSize {
		return nil, ErrFrameTooLarge
	}

	crc := crc16(body)
	body = append(body, byte(crc>>8), byte(crc))

	frame := make([]byte, 0, len(body)*2+2)
	frame = append(frame, frameStart)
	for _, b := range body {
		if b == frameStart || b == frameEnd || b == frameEsc {
			frame = append(frame, frameEsc, b^escXor)
		} else {
			frame = append(frame, b)
		}
	}
	frame = append(frame, frameEnd)
	return frame, nil
}

// frameDecoder extracts envelopes from a serial byte stream
type frameDecoder struct {
	buf     []byte
	inFrame bool
	escape  bool
}

// feed consumes one byte. It returns a decoded envelope when b completes a
// frame, or an error for a corrupt frame. Corrupt frames are discarded.
func (d *frameDecoder) feed(b byte) (*envelope, error) {
	switch {
	case b == frameStart:
		d.buf = d.buf[:0]
		d.inFrame = true
		d.escape = false
		return nil, nil

	case !d.inFrame:
		return nil, nil

	case b == frameEnd:
		d.inFrame = false
		if d.escape {
			return nil, ErrBadFrame
		}
		return decodeBody(d.buf)

	case d.escape:
		d.escape = false
		d.buf = append(d.buf, b^escXor)

	case b == frameEsc:
		d.escape = true

	default:
		d.buf = append(d.buf, b)
	}

	if len(d.buf) > maxEnvelopeSize+2 {
		d.inFrame = false
		return nil, ErrBadFrame
	}
	return nil, nil
}

func decodeBody(body []byte) (*envelope, error) {
	if len(body) < 3 {
		return nil, ErrBadFrame
	}
	payload := body[:len(body)-2]
	want := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])
	if crc16(payload) != want {
		return nil, ErrBadCRC
	}

	var env envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &env, nil
}
