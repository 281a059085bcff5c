package frag

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrInvalidConfig      = errors.New("invalid fragmentation config")
	ErrWouldOverflow      = errors.New("segment would overflow payload")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrSendFailure        = errors.New("segment send failed")
	ErrResourceExhaustion = errors.New("resource exhaustion")
	ErrUnsupported        = errors.New("operation not supported")
)

// Protocol violations reported by the reassembler. All of them match
// ErrProtocolViolation with errors.Is.
var (
	ErrOrphanSegment        = fmt.Errorf("%w: continuation without start segment", ErrProtocolViolation)
	ErrDuplicateStart       = fmt.Errorf("%w: start segment while reassembly in progress", ErrProtocolViolation)
	ErrZeroLength           = fmt.Errorf("%w: zero total length", ErrProtocolViolation)
	ErrAccumulationOverflow = fmt.Errorf("%w: received more than announced", ErrProtocolViolation)
	ErrTruncatedSegment     = fmt.Errorf("%w: segment shorter than header", ErrProtocolViolation)
)
