package frag

import "math"

// Plan describes how a payload is split into wire segments for a given MTU
type Plan struct {
	PayloadLength int
	MTU           int

	// FirstChunk is the number of payload bytes carried by the start segment
	FirstChunk int
	// MidSegments is the number of full continuation segments (MTU-2 payload bytes each)
	MidSegments int
	// Remainder is the payload size of the trailing short segment, 0 if none
	Remainder int
	// TotalWireLength is the sum of all segment sizes, headers included
	TotalWireLength int
}

// SegmentCount returns the number of segments the plan produces
func (p Plan) SegmentCount() int {
	n := 1 + p.MidSegments
	if p.Remainder > 0 {
		n++
	}
	return n
}

// FirstCapacity returns the payload capacity of a start segment
func FirstCapacity(mtu int) int {
	return mtu - StartHeaderSize
}

// SubsequentCapacity returns the payload capacity of a continuation segment
func SubsequentCapacity(mtu int) int {
	return mtu - HeaderSize
}

// ValidateMTU checks that a start segment can carry at least one payload byte
func ValidateMTU(mtu int) error {
	if mtu <= StartHeaderSize || mtu > MaxMTU {
		return ErrInvalidConfig
	}
	return nil
}

// PlanFragmentation computes the split of payloadLength bytes into segments of at most mtu bytes
func PlanFragmentation(payloadLength, mtu int) (Plan, error) {
	if mtu <= HeaderSize {
		return Plan{}, ErrInvalidConfig
	}
	if err := ValidateMTU(mtu); err != nil {
		return Plan{}, err
	}
	if payloadLength <= 0 || uint64(payloadLength) > math.MaxUint32 {
		return Plan{}, ErrInvalidParam
	}

	plan := Plan{
		PayloadLength: payloadLength,
		MTU:           mtu,
	}

	firstCap := FirstCapacity(mtu)
	if payloadLength <= firstCap {
		plan.FirstChunk = payloadLength
	} else {
		plan.FirstChunk = firstCap
		remaining := payloadLength - firstCap
		subCap := SubsequentCapacity(mtu)
		plan.MidSegments = remaining / subCap
		plan.Remainder = remaining % subCap
	}

	extra := 0
	if plan.Remainder > 0 {
		extra = 1
	}
	plan.TotalWireLength = payloadLength + StartHeaderSize + HeaderSize*(plan.MidSegments+extra)

	return plan, nil
}

// MakeFirstSegment builds header || length || payload[:firstChunk]
func MakeFirstSegment(payload []byte, firstChunk int, header [HeaderSize]byte, length [LengthHeaderSize]byte) ([]byte, error) {
	if firstChunk < 0 || firstChunk > len(payload) {
		return nil, ErrWouldOverflow
	}

	seg := make([]byte, StartHeaderSize+firstChunk)
	copy(seg, header[:])
	copy(seg[HeaderSize:], length[:])
	copy(seg[StartHeaderSize:], payload[:firstChunk])
	return seg, nil
}

// MakeSubsequentSegment builds the continuation segment at index (0-based, first segment excluded).
// No bytes are copied when the requested window runs past fullLength.
func MakeSubsequentSegment(payload []byte, fullLength, index int, header [HeaderSize]byte, mtu, segmentLength int) ([]byte, error) {
	if index < 0 || segmentLength <= 0 || segmentLength > SubsequentCapacity(mtu) || len(payload) < fullLength {
		return nil, ErrInvalidParam
	}

	offset := FirstCapacity(mtu) + index*SubsequentCapacity(mtu)
	if offset+segmentLength > fullLength {
		return nil, ErrWouldOverflow
	}

	seg := make([]byte, HeaderSize+segmentLength)
	copy(seg, header[:])
	copy(seg[HeaderSize:], payload[offset:offset+segmentLength])
	return seg, nil
}

// Fragment splits payload into ordered wire segments addressed to dst.
// The first segment carries the start flag and the total length.
func Fragment(payload []byte, mtu int, src, dst uint8, secure bool) ([][]byte, error) {
	plan, err := PlanFragmentation(len(payload), mtu)
	if err != nil {
		return nil, err
	}

	var startHdr, contHdr [HeaderSize]byte
	if err := EncodeHeader(startHdr[:], true, src, secure, dst); err != nil {
		return nil, err
	}
	if err := EncodeHeader(contHdr[:], false, src, secure, dst); err != nil {
		return nil, err
	}

	var length [LengthHeaderSize]byte
	if err := EncodeLength(length[:], uint32(len(payload))); err != nil {
		return nil, err
	}

	segments := make([][]byte, 0, plan.SegmentCount())

	first, err := MakeFirstSegment(payload, plan.FirstChunk, startHdr, length)
	if err != nil {
		return nil, err
	}
	segments = append(segments, first)

	subCap := SubsequentCapacity(mtu)
	for i := 0; i < plan.MidSegments; i++ {
		seg, err := MakeSubsequentSegment(payload, len(payload), i, contHdr, mtu, subCap)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	if plan.Remainder > 0 {
		seg, err := MakeSubsequentSegment(payload, len(payload), plan.MidSegments, contHdr, mtu, plan.Remainder)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	return segments, nil
}
