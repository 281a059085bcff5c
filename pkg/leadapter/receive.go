package leadapter

import (
	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/radio"
)

type receiveItem struct {
	address string
	data    []byte
}

func (a *Adapter) receive(role radio.Role, address string, data []byte) {
	if a.closed.Load() || (role != radio.RoleServer && role != radio.RoleClient) {
		return
	}
	rs := a.roles[role]
	if rs.receiver == nil {
		a.processReceive(rs, address, data)
		return
	}
	if err := rs.receiver.Add(&receiveItem{address: address, data: data}); err != nil {
		a.logger.Debug("LE adapter: segment from %s dropped: %v", address, err)
	}
}

// processReceive feeds one segment to the role's reassembler
func (a *Adapter) processReceive(rs *roleState, address string, data []byte) {
	// the reassembler counts and logs its own rejections
	_ = rs.reassembler.Process(address, data)
}

// deliver runs under the reassembler lock of the receiving role
func (a *Adapter) deliver(msg *frag.Message) {
	ep := endpointOf(msg)
	data := msg.Data

	if msg.Secure {
		if a.secure == nil {
			a.logger.Warn("LE adapter: message from %s dropped: %v", ep, ErrNoSecureHook)
			return
		}
		plain, err := a.secure.Decrypt(ep, data)
		if err != nil {
			a.logger.Warn("LE adapter: message from %s dropped: %v", ep, err)
			return
		}
		data = plain
	}

	a.logger.Debug("LE adapter: received %d bytes from %s", len(data), ep)
	a.callbacks.OnPacketReceived(ep, data)
}
