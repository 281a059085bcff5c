package frag

import (
	"sync/atomic"
	"time"
)

// Statistics tracks fragmentation and reassembly counters for one role
type Statistics struct {
	// Segment counts
	TxSegments uint64
	RxSegments uint64

	// Message counts
	TxMessages uint64
	RxMessages uint64

	// Drop counts
	FilteredSegments   uint64
	OrphanSegments     uint64
	DuplicateStarts    uint64
	ZeroLengthStarts   uint64
	Overflows          uint64
	TruncatedSegments  uint64
	OversizedMessages  uint64
	SendFailures       uint64
	PurgedReassemblies uint64

	lastTxTimeNano int64
	lastRxTimeNano int64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) IncrementTxSegments(n int) {
	atomic.AddUint64(&s.TxSegments, uint64(n))
}

func (s *Statistics) IncrementRxSegments() {
	atomic.AddUint64(&s.RxSegments, 1)
}

func (s *Statistics) IncrementTxMessages() {
	atomic.AddUint64(&s.TxMessages, 1)
	atomic.StoreInt64(&s.lastTxTimeNano, time.Now().UnixNano())
}

func (s *Statistics) IncrementRxMessages() {
	atomic.AddUint64(&s.RxMessages, 1)
	atomic.StoreInt64(&s.lastRxTimeNano, time.Now().UnixNano())
}

func (s *Statistics) IncrementFiltered() {
	atomic.AddUint64(&s.FilteredSegments, 1)
}

func (s *Statistics) IncrementSendFailures() {
	atomic.AddUint64(&s.SendFailures, 1)
}

func (s *Statistics) IncrementPurged(n int) {
	atomic.AddUint64(&s.PurgedReassemblies, uint64(n))
}

// recordDrop classifies a reassembly error
func (s *Statistics) recordDrop(err error) {
	switch err {
	case ErrOrphanSegment:
		atomic.AddUint64(&s.OrphanSegments, 1)
	case ErrDuplicateStart:
		atomic.AddUint64(&s.DuplicateStarts, 1)
	case ErrZeroLength:
		atomic.AddUint64(&s.ZeroLengthStarts, 1)
	case ErrAccumulationOverflow:
		atomic.AddUint64(&s.Overflows, 1)
	case ErrTruncatedSegment:
		atomic.AddUint64(&s.TruncatedSegments, 1)
	case ErrResourceExhaustion:
		atomic.AddUint64(&s.OversizedMessages, 1)
	}
}

func (s *Statistics) GetTxSegments() uint64 { return atomic.LoadUint64(&s.TxSegments) }
func (s *Statistics) GetRxSegments() uint64 { return atomic.LoadUint64(&s.RxSegments) }
func (s *Statistics) GetTxMessages() uint64 { return atomic.LoadUint64(&s.TxMessages) }
func (s *Statistics) GetRxMessages() uint64 { return atomic.LoadUint64(&s.RxMessages) }
func (s *Statistics) GetFiltered() uint64   { return atomic.LoadUint64(&s.FilteredSegments) }
func (s *Statistics) GetSendFailures() uint64 {
	return atomic.LoadUint64(&s.SendFailures)
}

// GetDropped returns the number of segments dropped for protocol violations
func (s *Statistics) GetDropped() uint64 {
	return atomic.LoadUint64(&s.OrphanSegments) +
		atomic.LoadUint64(&s.DuplicateStarts) +
		atomic.LoadUint64(&s.ZeroLengthStarts) +
		atomic.LoadUint64(&s.Overflows) +
		atomic.LoadUint64(&s.TruncatedSegments) +
		atomic.LoadUint64(&s.OversizedMessages)
}

// Snapshot copies the counters into a plain struct
func (s *Statistics) Snapshot() Statistics {
	return Statistics{
		TxSegments:         atomic.LoadUint64(&s.TxSegments),
		RxSegments:         atomic.LoadUint64(&s.RxSegments),
		TxMessages:         atomic.LoadUint64(&s.TxMessages),
		RxMessages:         atomic.LoadUint64(&s.RxMessages),
		FilteredSegments:   atomic.LoadUint64(&s.FilteredSegments),
		OrphanSegments:     atomic.LoadUint64(&s.OrphanSegments),
		DuplicateStarts:    atomic.LoadUint64(&s.DuplicateStarts),
		ZeroLengthStarts:   atomic.LoadUint64(&s.ZeroLengthStarts),
		Overflows:          atomic.LoadUint64(&s.Overflows),
		TruncatedSegments:  atomic.LoadUint64(&s.TruncatedSegments),
		OversizedMessages:  atomic.LoadUint64(&s.OversizedMessages),
		SendFailures:       atomic.LoadUint64(&s.SendFailures),
		PurgedReassemblies: atomic.LoadUint64(&s.PurgedReassemblies),
		lastTxTimeNano:     atomic.LoadInt64(&s.lastTxTimeNano),
		lastRxTimeNano:     atomic.LoadInt64(&s.lastRxTimeNano),
	}
}

// GetLastTxTime returns the time of the last completed send
func (s *Statistics) GetLastTxTime() time.Time {
	nano := atomic.LoadInt64(&s.lastTxTimeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// GetLastRxTime returns the time of the last delivered message
func (s *Statistics) GetLastRxTime() time.Time {
	nano := atomic.LoadInt64(&s.lastRxTimeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Reset resets all statistics to zero
func (s *Statistics) Reset() {
	for _, p := range []*uint64{
		&s.TxSegments, &s.RxSegments, &s.TxMessages, &s.RxMessages,
		&s.FilteredSegments, &s.OrphanSegments, &s.DuplicateStarts,
		&s.ZeroLengthStarts, &s.Overflows, &s.TruncatedSegments,
		&s.OversizedMessages, &s.SendFailures, &s.PurgedReassemblies,
	} {
		atomic.StoreUint64(p, 0)
	}
	atomic.StoreInt64(&s.lastTxTimeNano, 0)
	atomic.StoreInt64(&s.lastRxTimeNano, 0)
}
