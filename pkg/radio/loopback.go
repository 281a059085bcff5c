package radio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/internal/queue"
)

// FaultFunc inspects a segment in flight. A non-nil error fails the send.
type FaultFunc func(from, to string, data []byte) error

// Hub is an in-memory medium connecting LoopbackRadios by address.
// A radio running the GATT client role connects to every radio on the hub
// running the GATT server role.
type Hub struct {
	mu     sync.RWMutex
	radios map[string]*LoopbackRadio
	links  map[[2]string]bool // {client, server}
	fault  FaultFunc
	logger logger.Logger
}

// NewHub creates an empty medium
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		radios: make(map[string]*LoopbackRadio),
		links:  make(map[[2]string]bool),
		logger: logger.OrDefault(log),
	}
}

// SetFault installs a fault injector, nil removes it
func (h *Hub) SetFault(fault FaultFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = fault
}

// NewRadio attaches a new radio with the given address to the hub
func (h *Hub) NewRadio(address string) (*LoopbackRadio, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.radios[address]; exists {
		return nil, fmt.Errorf("address %s already in use", address)
	}

	r := &LoopbackRadio{
		hub:     h,
		address: address,
		mtu:     make(map[string]int),
	}
	r.enabled.Store(true)
	r.events = queue.NewWorker("loopback-"+address, r.dispatch, h.logger)
	r.events.Start()
	h.radios[address] = r
	return r, nil
}

// Connect links a GATT client to a GATT server. Both radios must have the
// corresponding role running.
func (h *Hub) Connect(client, server string) error {
	h.mu.Lock()
	c, s := h.radios[client], h.radios[server]
	if c == nil || s == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrNotConnected, client, server)
	}
	if !c.clientRunning.Load() || !s.serverRunning.Load() {
		h.mu.Unlock()
		return ErrRoleNotStarted
	}
	key := [2]string{client, server}
	if h.links[key] {
		h.mu.Unlock()
		return nil
	}
	h.links[key] = true
	h.mu.Unlock()

	c.stats.connects.Add(1)
	s.stats.connects.Add(1)
	c.post(event{kind: eventConnection, address: server, connected: true})
	s.post(event{kind: eventConnection, address: client, connected: true})
	return nil
}

// Disconnect tears down the link between client and server
func (h *Hub) Disconnect(client, server string) {
	h.mu.Lock()
	key := [2]string{client, server}
	if !h.links[key] {
		h.mu.Unlock()
		return
	}
	delete(h.links, key)
	c, s := h.radios[client], h.radios[server]
	h.mu.Unlock()

	if c != nil {
		c.stats.disconnects.Add(1)
		c.post(event{kind: eventConnection, address: server, connected: false})
	}
	if s != nil {
		s.stats.disconnects.Add(1)
		s.post(event{kind: eventConnection, address: client, connected: false})
	}
}

// dropLinks disconnects every link of address in the given role
func (h *Hub) dropLinks(address string, role Role) {
	h.mu.RLock()
	var pairs [][2]string
	for key := range h.links {
		if (role == RoleClient && key[0] == address) || (role == RoleServer && key[1] == address) {
			pairs = append(pairs, key)
		}
	}
	h.mu.RUnlock()

	for _, key := range pairs {
		h.Disconnect(key[0], key[1])
	}
}

// autoConnect links r's client role to every running server, or every running
// client to r's server role
func (h *Hub) autoConnect(r *LoopbackRadio, role Role) {
	h.mu.RLock()
	var peers []string
	for address, other := range h.radios {
		if other == r {
			continue
		}
		if role == RoleClient && other.serverRunning.Load() {
			peers = append(peers, address)
		}
		if role == RoleServer && other.clientRunning.Load() {
			peers = append(peers, address)
		}
	}
	h.mu.RUnlock()

	for _, peer := range peers {
		if role == RoleClient {
			h.Connect(r.address, peer)
		} else {
			h.Connect(peer, r.address)
		}
	}
}

func (h *Hub) deliver(from *LoopbackRadio, fromRole Role, to string, data []byte) error {
	h.mu.RLock()
	target := h.radios[to]
	fault := h.fault
	var linked bool
	if fromRole == RoleClient {
		linked = h.links[[2]string{from.address, to}]
	} else {
		linked = h.links[[2]string{to, from.address}]
	}
	h.mu.RUnlock()

	if target == nil || !linked {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	if fault != nil {
		if err := fault(from.address, to, data); err != nil {
			return err
		}
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	// a segment sent by a GATT client arrives on the server side and vice versa
	toRole := RoleServer
	if fromRole == RoleServer {
		toRole = RoleClient
	}
	target.stats.framesReceived.Add(1)
	target.stats.bytesReceived.Add(uint64(len(frame)))
	target.post(event{kind: eventData, role: toRole, address: from.address, data: frame})
	return nil
}

func (h *Hub) remove(r *LoopbackRadio) {
	h.dropLinks(r.address, RoleServer)
	h.dropLinks(r.address, RoleClient)

	h.mu.Lock()
	delete(h.radios, r.address)
	h.mu.Unlock()
}

type eventKind int

const (
	eventData eventKind = iota
	eventConnection
	eventAdapter
)

type event struct {
	kind      eventKind
	role      Role
	address   string
	data      []byte
	connected bool
	enabled   bool
}

// LoopbackRadio is a Radio attached to a Hub. Events are delivered in order
// on a dedicated goroutine.
type LoopbackRadio struct {
	hub     *Hub
	address string

	handlerLock sync.RWMutex
	handler     EventHandler

	events *queue.Worker

	enabled       atomic.Bool
	serverRunning atomic.Bool
	clientRunning atomic.Bool
	closed        atomic.Bool

	mtuLock sync.RWMutex
	mtu     map[string]int

	stats linkCounters
}

func (r *LoopbackRadio) post(ev event) {
	if err := r.events.Add(ev); err != nil {
		r.hub.logger.Debug("loopback %s: event dropped: %v", r.address, err)
	}
}

func (r *LoopbackRadio) dispatch(item interface{}) {
	r.handlerLock.RLock()
	h := r.handler
	r.handlerLock.RUnlock()
	if h != nil {
		dispatchEvent(h, item.(event))
	}
}

func dispatchEvent(h EventHandler, ev event) {
	switch ev.kind {
	case eventData:
		h.OnDataReceived(ev.role, ev.address, ev.data)
	case eventConnection:
		h.OnConnectionStateChanged(ev.address, ev.connected)
	case eventAdapter:
		h.OnAdapterStateChanged(ev.enabled)
	}
}

// Address returns the hub address of the radio
func (r *LoopbackRadio) Address() string {
	return r.address
}

// SetEventHandler implements Radio.SetEventHandler
func (r *LoopbackRadio) SetEventHandler(handler EventHandler) {
	r.handlerLock.Lock()
	defer r.handlerLock.Unlock()
	r.handler = handler
}

// StartGattServer implements Radio.StartGattServer
func (r *LoopbackRadio) StartGattServer() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.enabled.Load() {
		return ErrAdapterDisabled
	}
	if r.serverRunning.Swap(true) {
		return nil
	}
	r.hub.autoConnect(r, RoleServer)
	return nil
}

// StopGattServer implements Radio.StopGattServer
func (r *LoopbackRadio) StopGattServer() error {
	if r.serverRunning.Swap(false) {
		r.hub.dropLinks(r.address, RoleServer)
	}
	return nil
}

// StartGattClient implements Radio.StartGattClient
func (r *LoopbackRadio) StartGattClient() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.enabled.Load() {
		return ErrAdapterDisabled
	}
	if r.clientRunning.Swap(true) {
		return nil
	}
	r.hub.autoConnect(r, RoleClient)
	return nil
}

// StopGattClient implements Radio.StopGattClient
func (r *LoopbackRadio) StopGattClient() error {
	if r.clientRunning.Swap(false) {
		r.hub.dropLinks(r.address, RoleClient)
	}
	return nil
}

// ServerRunning reports whether the GATT server role is active
func (r *LoopbackRadio) ServerRunning() bool {
	return r.serverRunning.Load()
}

// ClientRunning reports whether the GATT client role is active
func (r *LoopbackRadio) ClientRunning() bool {
	return r.clientRunning.Load()
}

// IsAdapterEnabled implements Radio.IsAdapterEnabled
func (r *LoopbackRadio) IsAdapterEnabled() bool {
	return r.enabled.Load() && !r.closed.Load()
}

// SetAdapterEnabled powers the simulated adapter. Disabling stops both roles.
func (r *LoopbackRadio) SetAdapterEnabled(enabled bool) {
	if r.enabled.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		r.StopGattServer()
		r.StopGattClient()
	}
	r.post(event{kind: eventAdapter, enabled: enabled})
}

// SetPeerMTU sets the MTU negotiated with a peer, 0 clears it
func (r *LoopbackRadio) SetPeerMTU(address string, mtu int) {
	r.mtuLock.Lock()
	defer r.mtuLock.Unlock()
	if mtu <= 0 {
		delete(r.mtu, address)
		return
	}
	r.mtu[address] = mtu
}

// MTU implements MTUProvider
func (r *LoopbackRadio) MTU(address string) (int, bool) {
	r.mtuLock.RLock()
	defer r.mtuLock.RUnlock()
	mtu, ok := r.mtu[address]
	return mtu, ok
}

func (r *LoopbackRadio) send(ctx context.Context, role Role, address string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.enabled.Load() {
		return ErrAdapterDisabled
	}
	running := r.serverRunning.Load()
	if role == RoleClient {
		running = r.clientRunning.Load()
	}
	if !running {
		r.stats.sendErrors.Add(1)
		return ErrRoleNotStarted
	}
	if mtu, ok := r.MTU(address); ok && len(data) > mtu {
		r.stats.sendErrors.Add(1)
		return fmt.Errorf("%w: %d bytes, mtu %d", ErrFrameTooLarge, len(data), mtu)
	}

	if err := r.hub.deliver(r, role, address, data); err != nil {
		r.stats.sendErrors.Add(1)
		return err
	}
	r.stats.framesSent.Add(1)
	r.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// SendToClient implements Radio.SendToClient
func (r *LoopbackRadio) SendToClient(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleServer, address, data)
}

// SendToServer implements Radio.SendToServer
func (r *LoopbackRadio) SendToServer(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleClient, address, data)
}

// LocalAddress implements Radio.LocalAddress
func (r *LoopbackRadio) LocalAddress() (string, error) {
	return r.address, nil
}

// Statistics implements Radio.Statistics
func (r *LoopbackRadio) Statistics() LinkStats {
	return r.stats.snapshot()
}

// Close detaches the radio from the hub
func (r *LoopbackRadio) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.serverRunning.Store(false)
	r.clientRunning.Store(false)
	r.hub.remove(r)
	r.events.Close()
	return nil
}
