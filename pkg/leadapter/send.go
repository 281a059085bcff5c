package leadapter

import (
	"context"
	"fmt"
	"math"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/radio"
)

// sendItem is one outbound message waiting for a send worker
type sendItem struct {
	ep Endpoint
	// data is the message as given by the caller, reported back on failure
	data []byte
	// wire is data after encryption
	wire []byte
}

// SendMessage queues data for ep and returns the number of bytes accepted.
// The GATT role is picked from the current mode and dt. A nil endpoint means
// multicast, which is not supported. Secure endpoints are encrypted with the
// configured SecureHook before fragmentation.
//
// Transmission failures are reported through Callbacks.OnError. In
// synchronous mode they are also returned.
func (a *Adapter) SendMessage(ep *Endpoint, data []byte, dt DataType) (int, error) {
	if ep == nil {
		return a.SendMulticast(data, dt)
	}
	if len(data) == 0 || uint64(len(data)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: message length %d", frag.ErrInvalidParam, len(data))
	}
	if ep.Port > frag.MaxPort {
		return 0, fmt.Errorf("%w: destination port %d", frag.ErrInvalidParam, ep.Port)
	}
	if a.closed.Load() {
		return 0, ErrClosed
	}

	role, err := route(a.Mode(), dt)
	if err != nil {
		return 0, err
	}

	item := &sendItem{ep: *ep, data: append([]byte(nil), data...)}
	item.wire = item.data
	if ep.Secure {
		if a.secure == nil {
			return 0, ErrNoSecureHook
		}
		wire, err := a.secure.Encrypt(*ep, item.data)
		if err != nil {
			return 0, fmt.Errorf("encrypt for %s: %w", ep, err)
		}
		item.wire = wire
	}

	rs := a.roles[role]
	rs.sendMu.Lock()
	defer rs.sendMu.Unlock()

	if rs.sender == nil {
		if err := a.processSend(rs, item); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	if err := rs.sender.Add(item); err != nil {
		return 0, ErrClosed
	}
	a.logger.Debug("LE adapter: queued %d bytes for %s via %s", len(data), ep, role)
	return len(data), nil
}

// SendMulticast always fails: segments cannot be reassembled across an
// unknown set of receivers.
func (a *Adapter) SendMulticast(data []byte, dt DataType) (int, error) {
	return 0, fmt.Errorf("%w: multicast over gatt", frag.ErrUnsupported)
}

// processSend fragments one message and hands the segments to the radio in
// order. The first failed segment aborts the message.
func (a *Adapter) processSend(rs *roleState, item *sendItem) error {
	mtu := a.MTU(item.ep.Address)
	segments, err := frag.Fragment(item.wire, mtu, a.LocalPort(), item.ep.Port, item.ep.Secure)
	if err != nil {
		a.sendFailed(rs, item, err)
		return err
	}

	for i, segment := range segments {
		ctx, cancel := a.sendContext()
		err := radio.Send(ctx, a.radio, rs.role, item.ep.Address, segment)
		cancel()
		if err != nil {
			err = fmt.Errorf("%w: segment %d/%d to %s: %v", frag.ErrSendFailure, i+1, len(segments), item.ep, err)
			a.sendFailed(rs, item, err)
			return err
		}
	}

	if a.config.EnableStatistics {
		rs.stats.IncrementTxSegments(len(segments))
		rs.stats.IncrementTxMessages()
	}
	a.logger.Debug("LE adapter: sent %d bytes to %s in %d segments (mtu %d)",
		len(item.wire), item.ep, len(segments), mtu)
	return nil
}

func (a *Adapter) sendFailed(rs *roleState, item *sendItem, err error) {
	if a.config.EnableStatistics {
		rs.stats.IncrementSendFailures()
	}
	a.logger.Error("LE adapter: %s send to %s failed: %v", rs.role, item.ep, err)
	a.callbacks.OnError(item.ep, item.data, err)
}

func (a *Adapter) sendContext() (context.Context, context.CancelFunc) {
	if a.config.SendTimeout > 0 {
		return context.WithTimeout(a.ctx, a.config.SendTimeout)
	}
	return context.WithCancel(a.ctx)
}
