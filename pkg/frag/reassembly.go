package frag

import (
	"sync"

	"avaneesh/blefrag/pkg/internal/logger"
)

// Message is a fully reassembled inbound payload
type Message struct {
	Address string
	Port    uint8
	Secure  bool
	// Data is owned by the receiver of the message
	Data []byte
}

// DeliverFunc receives completed messages. It runs while the reassembler lock
// is held and must not call back into the same Reassembler.
type DeliverFunc func(msg *Message)

// ReassemblerConfig holds configuration for a Reassembler
type ReassemblerConfig struct {
	// LocalPort returns the port this node accepts segments for
	LocalPort func() uint8

	// MaxMessageSize bounds the announced total length, 0 disables the check
	MaxMessageSize int

	// EnableStatistics enables statistics collection
	EnableStatistics bool
}

// DefaultReassemblerConfig returns a config accepting segments for DefaultLocalPort
func DefaultReassemblerConfig() ReassemblerConfig {
	return ReassemblerConfig{
		LocalPort:        func() uint8 { return DefaultLocalPort },
		MaxMessageSize:   64 * 1024,
		EnableStatistics: true,
	}
}

// Reassembler rebuilds messages from wire segments for one role.
// Each (address, source port) pair reassembles independently.
type Reassembler struct {
	config  ReassemblerConfig
	deliver DeliverFunc
	stats   *Statistics
	logger  logger.Logger

	mu    sync.Mutex
	table *SenderTable
}

// NewReassembler creates a reassembler that hands completed messages to deliver
func NewReassembler(config ReassemblerConfig, deliver DeliverFunc, log logger.Logger) *Reassembler {
	if config.LocalPort == nil {
		config.LocalPort = func() uint8 { return DefaultLocalPort }
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Reassembler{
		config:  config,
		deliver: deliver,
		stats:   NewStatistics(),
		logger:  log,
		table:   NewSenderTable(),
	}
}

// Process handles one segment received from address.
// Segments addressed to another port are ignored and return nil.
// Every other rejected segment returns an error wrapping ErrProtocolViolation
// or ErrResourceExhaustion; the associated reassembly state is discarded.
func (r *Reassembler) Process(address string, segment []byte) error {
	if len(segment) < HeaderSize {
		return r.drop(address, ErrTruncatedSegment)
	}
	if r.config.EnableStatistics {
		r.stats.IncrementRxSegments()
	}

	h := DecodeHeader(segment)
	if local := r.config.LocalPort(); h.DestPort != local && h.DestPort != MulticastPort {
		if r.config.EnableStatistics {
			r.stats.IncrementFiltered()
		}
		r.logger.Debug("Reassembler: segment from %s for port %d ignored (local port %d)", address, h.DestPort, local)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, idx, found := r.table.Find(address, h.SourcePort)

	switch {
	case found && h.Start:
		r.table.Remove(idx)
		return r.drop(address, ErrDuplicateStart)

	case !found && !h.Start:
		return r.drop(address, ErrOrphanSegment)

	case !found:
		if len(segment) < StartHeaderSize {
			return r.drop(address, ErrTruncatedSegment)
		}
		total, err := DecodeLength(segment, LengthHeaderSize)
		if err != nil {
			return r.drop(address, ErrTruncatedSegment)
		}
		if total == 0 {
			return r.drop(address, ErrZeroLength)
		}
		if r.config.MaxMessageSize > 0 && uint64(total) > uint64(r.config.MaxMessageSize) {
			return r.drop(address, ErrResourceExhaustion)
		}

		info = newSenderInfo(address, h.SourcePort, h.Secure, total)
		if err := info.append(segment[StartHeaderSize:]); err != nil {
			return r.drop(address, err)
		}
		r.table.Insert(info)
		idx = r.table.Len() - 1
		r.logger.Debug("Reassembler: start from %s:%d, total %d bytes", address, h.SourcePort, total)

	default:
		if err := info.append(segment[HeaderSize:]); err != nil {
			r.table.Remove(idx)
			return r.drop(address, err)
		}
	}

	if !info.Complete() {
		return nil
	}

	msg := &Message{
		Address: info.Address,
		Port:    info.Port,
		Secure:  info.Secure,
		Data:    info.take(),
	}
	if r.config.EnableStatistics {
		r.stats.IncrementRxMessages()
	}
	r.logger.Debug("Reassembler: message from %s:%d complete, %d bytes", msg.Address, msg.Port, len(msg.Data))
	if r.deliver != nil {
		r.deliver(msg)
	}
	r.table.Remove(idx)
	return nil
}

func (r *Reassembler) drop(address string, err error) error {
	if r.config.EnableStatistics {
		r.stats.recordDrop(err)
	}
	r.logger.Warn("Reassembler: segment from %s dropped: %v", address, err)
	return err
}

// PurgeAddress discards every in-flight reassembly for address
func (r *Reassembler) PurgeAddress(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.table.PurgeAddress(address)
	if n > 0 {
		if r.config.EnableStatistics {
			r.stats.IncrementPurged(n)
		}
		r.logger.Debug("Reassembler: purged %d reassemblies for %s", n, address)
	}
	return n
}

// Pending returns the number of in-flight reassemblies
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Len()
}

// Reset discards all reassembly state
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.Clear()
}

// Statistics returns the reassembler counters
func (r *Reassembler) Statistics() *Statistics {
	return r.stats
}
