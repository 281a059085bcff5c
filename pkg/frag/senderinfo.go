package frag

import "strings"

// SenderInfo tracks one inbound message being reassembled for an (address, port) key
type SenderInfo struct {
	Address  string
	Port     uint8
	Secure   bool
	Expected uint32
	Received uint32

	buf []byte
}

// newSenderInfo allocates the accumulation buffer for a message of total bytes.
// One spare byte is kept past the end for consumers expecting a terminator.
func newSenderInfo(address string, port uint8, secure bool, total uint32) *SenderInfo {
	return &SenderInfo{
		Address:  address,
		Port:     port,
		Secure:   secure,
		Expected: total,
		buf:      make([]byte, int(total)+1),
	}
}

// append copies data at the current receive offset
func (s *SenderInfo) append(data []byte) error {
	if uint64(s.Received)+uint64(len(data)) > uint64(s.Expected) {
		return ErrAccumulationOverflow
	}
	copy(s.buf[s.Received:], data)
	s.Received += uint32(len(data))
	return nil
}

// Complete reports whether every announced byte has arrived
func (s *SenderInfo) Complete() bool {
	return s.Received == s.Expected
}

// take moves the accumulated message out of the entry
func (s *SenderInfo) take() []byte {
	data := s.buf[:s.Expected]
	s.buf = nil
	return data
}

// SenderTable holds the in-flight reassemblies of one role.
// It is not safe for concurrent use.
type SenderTable struct {
	entries []*SenderInfo
}

// NewSenderTable creates an empty table
func NewSenderTable() *SenderTable {
	return &SenderTable{}
}

// Find returns the entry for (address, port) and its index.
// Stored addresses match when they begin with the queried address.
func (t *SenderTable) Find(address string, port uint8) (*SenderInfo, int, bool) {
	for i, info := range t.entries {
		if info.Port == port && strings.HasPrefix(info.Address, address) {
			return info, i, true
		}
	}
	return nil, -1, false
}

// Insert adds an entry
func (t *SenderTable) Insert(info *SenderInfo) {
	t.entries = append(t.entries, info)
}

// Remove deletes the entry at index and releases its buffer
func (t *SenderTable) Remove(index int) *SenderInfo {
	if index < 0 || index >= len(t.entries) {
		return nil
	}
	info := t.entries[index]
	last := len(t.entries) - 1
	t.entries[index] = t.entries[last]
	t.entries[last] = nil
	t.entries = t.entries[:last]
	info.buf = nil
	return info
}

// PortsForAddress lists the ports of every entry whose address matches
func (t *SenderTable) PortsForAddress(address string) []uint8 {
	var ports []uint8
	for _, info := range t.entries {
		if strings.HasPrefix(info.Address, address) {
			ports = append(ports, info.Port)
		}
	}
	return ports
}

// PurgeAddress removes every entry for address and returns how many were removed
func (t *SenderTable) PurgeAddress(address string) int {
	removed := 0
	for _, port := range t.PortsForAddress(address) {
		if _, idx, ok := t.Find(address, port); ok {
			t.Remove(idx)
			removed++
		}
	}
	return removed
}

// Len returns the number of in-flight reassemblies
func (t *SenderTable) Len() int {
	return len(t.entries)
}

// Clear drops every entry
func (t *SenderTable) Clear() {
	for i := range t.entries {
		t.entries[i].buf = nil
		t.entries[i] = nil
	}
	t.entries = t.entries[:0]
}
