package radio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"avaneesh/blefrag/pkg/internal/logger"
)

// frameConn carries whole segments over one peer connection
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

type linkCounters struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	sendErrors     atomic.Uint64
	readErrors     atomic.Uint64
	connects       atomic.Uint64
	disconnects    atomic.Uint64
}

func (c *linkCounters) snapshot() LinkStats {
	return LinkStats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		SendErrors:     c.sendErrors.Load(),
		ReadErrors:     c.readErrors.Load(),
		Connects:       c.connects.Load(),
		Disconnects:    c.disconnects.Load(),
	}
}

type peerEntry struct {
	conn frameConn
	done chan struct{}
}

// link holds the per-role peer connections shared by the stream-based radios.
// Peers are keyed by address; a new connection from the same address replaces
// the previous one.
type link struct {
	name   string
	mtu    int
	logger logger.Logger

	handlerLock sync.RWMutex
	handler     EventHandler

	enabled atomic.Bool

	peersLock sync.RWMutex
	peers     [2]map[string]*peerEntry

	stats linkCounters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newLink(name string, mtu int, log logger.Logger) *link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		name:   name,
		mtu:    mtu,
		logger: logger.OrDefault(log),
		ctx:    ctx,
		cancel: cancel,
	}
	l.peers[RoleServer] = make(map[string]*peerEntry)
	l.peers[RoleClient] = make(map[string]*peerEntry)
	l.enabled.Store(true)
	return l
}

// SetEventHandler sets the receiver of link events
func (l *link) SetEventHandler(handler EventHandler) {
	l.handlerLock.Lock()
	defer l.handlerLock.Unlock()
	l.handler = handler
}

func (l *link) eventHandler() EventHandler {
	l.handlerLock.RLock()
	defer l.handlerLock.RUnlock()
	return l.handler
}

// IsAdapterEnabled reports whether the link is powered
func (l *link) IsAdapterEnabled() bool {
	return l.enabled.Load() && !l.closed.Load()
}

// SetAdapterEnabled simulates powering the local adapter on or off.
// Disabling drops every peer connection.
func (l *link) SetAdapterEnabled(enabled bool) {
	if l.enabled.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		l.detachAll(RoleServer)
		l.detachAll(RoleClient)
	}
	if h := l.eventHandler(); h != nil {
		h.OnAdapterStateChanged(enabled)
	}
}

// MTU returns the configured MTU for connected peers
func (l *link) MTU(address string) (int, bool) {
	if l.mtu <= 0 {
		return 0, false
	}
	l.peersLock.RLock()
	defer l.peersLock.RUnlock()
	_, s := l.peers[RoleServer][address]
	_, c := l.peers[RoleClient][address]
	return l.mtu, s || c
}

// Statistics returns the link counters
func (l *link) Statistics() LinkStats {
	return l.stats.snapshot()
}

// attach registers conn for address and starts reading from it.
// The returned channel is closed once the connection is gone.
func (l *link) attach(role Role, address string, conn frameConn) <-chan struct{} {
	entry := &peerEntry{conn: conn, done: make(chan struct{})}

	l.peersLock.Lock()
	old := l.peers[role][address]
	l.peers[role][address] = entry
	l.peersLock.Unlock()

	if old != nil {
		old.conn.Close()
		l.stats.disconnects.Add(1)
	}
	l.stats.connects.Add(1)
	l.logger.Info("%s: %s peer %s connected", l.name, role, address)

	if h := l.eventHandler(); h != nil && old == nil {
		h.OnConnectionStateChanged(address, true)
	}

	l.wg.Add(1)
	go l.readLoop(role, address, entry)
	return entry.done
}

func (l *link) readLoop(role Role, address string, entry *peerEntry) {
	defer l.wg.Done()
	defer close(entry.done)

	for {
		frame, err := entry.conn.ReadFrame()
		if err != nil {
			if !l.closed.Load() {
				l.stats.readErrors.Add(1)
				l.logger.Debug("%s: read from %s peer %s: %v", l.name, role, address, err)
			}
			l.detach(role, address, entry)
			return
		}
		if len(frame) == 0 {
			continue
		}

		l.stats.framesReceived.Add(1)
		l.stats.bytesReceived.Add(uint64(len(frame)))

		if h := l.eventHandler(); h != nil {
			h.OnDataReceived(role, address, frame)
		}
	}
}

// detach removes entry if it is still the current connection for address
func (l *link) detach(role Role, address string, entry *peerEntry) {
	l.peersLock.Lock()
	current := l.peers[role][address]
	if current == entry {
		delete(l.peers[role], address)
	}
	l.peersLock.Unlock()

	entry.conn.Close()
	if current != entry {
		return
	}

	l.stats.disconnects.Add(1)
	l.logger.Info("%s: %s peer %s disconnected", l.name, role, address)
	if h := l.eventHandler(); h != nil {
		h.OnConnectionStateChanged(address, false)
	}
}

// detachAll closes every connection of role
func (l *link) detachAll(role Role) {
	l.peersLock.Lock()
	entries := l.peers[role]
	l.peers[role] = make(map[string]*peerEntry)
	l.peersLock.Unlock()

	for address, entry := range entries {
		entry.conn.Close()
		l.stats.disconnects.Add(1)
		if h := l.eventHandler(); h != nil {
			h.OnConnectionStateChanged(address, false)
		}
	}
}

// send writes one frame to a connected peer
func (l *link) send(ctx context.Context, role Role, address string, data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.enabled.Load() {
		return ErrAdapterDisabled
	}
	if l.mtu > 0 && len(data) > l.mtu {
		l.stats.sendErrors.Add(1)
		return fmt.Errorf("%w: %d bytes, mtu %d", ErrFrameTooLarge, len(data), l.mtu)
	}

	l.peersLock.RLock()
	entry := l.peers[role][address]
	l.peersLock.RUnlock()

	if entry == nil {
		l.stats.sendErrors.Add(1)
		return fmt.Errorf("%w: %s", ErrNotConnected, address)
	}

	if err := entry.conn.WriteFrame(ctx, data); err != nil {
		l.stats.sendErrors.Add(1)
		l.detach(role, address, entry)
		return err
	}

	l.stats.framesSent.Add(1)
	l.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// maintain keeps a client connection to address open until ctx is done
func (l *link) maintain(ctx context.Context, address string, delay time.Duration, dial func(context.Context) (frameConn, error)) {
	defer l.wg.Done()

	for {
		conn, err := dial(ctx)
		if err == nil {
			done := l.attach(RoleClient, address, conn)
			select {
			case <-done:
			case <-ctx.Done():
				conn.Close()
				<-done
				return
			}
		} else {
			l.logger.Debug("%s: connect to %s failed: %v", l.name, address, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// shutdown drops all peers and waits for the read loops
func (l *link) shutdown() {
	l.cancel()
	l.detachAll(RoleServer)
	l.detachAll(RoleClient)
	l.wg.Wait()
}
