package leadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/internal/queue"
	"avaneesh/blefrag/pkg/radio"
)

// roleState is the per-GATT-role half of the adapter
type roleState struct {
	role        radio.Role
	reassembler *frag.Reassembler
	stats       *frag.Statistics

	// sendMu serializes enqueueing (or inline sending) of whole messages
	sendMu sync.Mutex

	// nil in synchronous mode
	sender   *queue.Worker
	receiver *queue.Worker

	// active is guarded by Adapter.modeMu
	active bool
}

// Adapter fragments outbound messages onto a GATT radio and reassembles
// inbound segments, for the server and client roles independently.
type Adapter struct {
	config    Config
	radio     radio.Radio
	callbacks Callbacks
	secure    SecureHook
	logger    logger.Logger

	mtu       atomic.Int64
	localPort atomic.Uint32

	// modeMu serializes mode transitions and role start/stop. current mirrors
	// mode for readers on the data path, which never take modeMu.
	modeMu  sync.Mutex
	mode    Mode
	current atomic.Int32
	started bool
	closed  atomic.Bool

	roles [2]*roleState

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an adapter on top of r. The adapter installs itself as r's
// event handler. Call Start before expecting GATT roles to run.
func New(config Config, r radio.Radio, callbacks Callbacks, opts ...Option) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: nil radio", frag.ErrInvalidParam)
	}
	if callbacks == nil {
		callbacks = CallbackFuncs{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		config:    config,
		radio:     r,
		callbacks: callbacks,
		logger:    logger.NewNoOpLogger(),
		mode:      ModeEmpty,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.mtu.Store(int64(config.MTU))
	a.localPort.Store(uint32(config.LocalPort))

	for _, role := range []radio.Role{radio.RoleServer, radio.RoleClient} {
		a.roles[role] = a.newRoleState(role)
	}

	r.SetEventHandler(radioEvents{a})
	return a, nil
}

func (a *Adapter) newRoleState(role radio.Role) *roleState {
	rs := &roleState{role: role}
	rs.reassembler = frag.NewReassembler(frag.ReassemblerConfig{
		LocalPort:        a.LocalPort,
		MaxMessageSize:   a.config.MaxMessageSize,
		EnableStatistics: a.config.EnableStatistics,
	}, func(msg *frag.Message) {
		a.deliver(msg)
	}, a.logger)
	rs.stats = rs.reassembler.Statistics()

	if !a.config.Synchronous {
		rs.sender = queue.NewWorker("le-"+role.String()+"-send", func(item interface{}) {
			a.processSend(rs, item.(*sendItem))
		}, a.logger)
		rs.receiver = queue.NewWorker("le-"+role.String()+"-receive", func(item interface{}) {
			in := item.(*receiveItem)
			a.processReceive(rs, in.address, in.data)
		}, a.logger)
	}
	return rs
}

// Start starts the receive workers and, if the local adapter is enabled,
// the GATT roles of the current mode.
func (a *Adapter) Start() error {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}
	if a.started {
		return nil
	}
	for _, rs := range a.roles {
		if rs.receiver != nil {
			if err := rs.receiver.Start(); err != nil {
				return err
			}
		}
	}
	a.started = true

	if !a.radio.IsAdapterEnabled() {
		a.logger.Info("LE adapter: started, waiting for the adapter to be enabled")
		return nil
	}
	var errs []error
	for _, role := range a.mode.roles() {
		if err := a.startRole(a.roles[role]); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info("LE adapter: started in %s mode", a.mode)
	return errors.Join(errs...)
}

// Stop stops the GATT roles and the workers. The mode and any queued
// messages are kept for the next Start.
func (a *Adapter) Stop() error {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()

	if !a.started {
		return nil
	}
	err := a.stopAll()
	for _, rs := range a.roles {
		if rs.receiver != nil {
			rs.receiver.Stop()
		}
	}
	a.started = false
	a.logger.Info("LE adapter: stopped")
	return err
}

// Close stops the adapter, drops all queued and partial messages and resets
// the mode to ModeEmpty. The radio itself is left open.
func (a *Adapter) Close() error {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()

	if a.closed.Swap(true) {
		return nil
	}
	err := a.stopAll()
	a.started = false
	a.setMode(ModeEmpty)
	a.cancel()

	for _, rs := range a.roles {
		if rs.sender != nil {
			rs.sender.Close()
		}
		if rs.receiver != nil {
			rs.receiver.Close()
		}
		rs.reassembler.Reset()
	}
	a.radio.SetEventHandler(nil)
	a.logger.Info("LE adapter: closed")
	return err
}

func (a *Adapter) stopAll() error {
	var errs []error
	for _, rs := range a.roles {
		if err := a.stopRole(rs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startRole starts the radio role and then its send worker. Callers hold modeMu.
func (a *Adapter) startRole(rs *roleState) error {
	if rs.active {
		return nil
	}

	var err error
	if rs.role == radio.RoleServer {
		err = a.radio.StartGattServer()
	} else {
		err = a.radio.StartGattClient()
	}
	if err != nil {
		a.logger.Error("LE adapter: starting gatt %s failed: %v", rs.role, err)
		return fmt.Errorf("start gatt %s: %w", rs.role, err)
	}

	if rs.sender != nil {
		if err := rs.sender.Start(); err != nil {
			stop := a.radio.StopGattClient
			if rs.role == radio.RoleServer {
				stop = a.radio.StopGattServer
			}
			if serr := stop(); serr != nil {
				a.logger.Warn("LE adapter: %s role rollback failed: %v", rs.role, serr)
			}
			return fmt.Errorf("start %s sender: %w", rs.role, err)
		}
	}
	rs.active = true
	a.logger.Debug("LE adapter: gatt %s started", rs.role)
	return nil
}

// stopRole stops the send worker and then the radio role. Callers hold modeMu.
func (a *Adapter) stopRole(rs *roleState) error {
	if !rs.active {
		return nil
	}
	if rs.sender != nil {
		rs.sender.Stop()
	}
	rs.active = false

	var err error
	if rs.role == radio.RoleServer {
		err = a.radio.StopGattServer()
	} else {
		err = a.radio.StopGattClient()
	}
	if err != nil {
		a.logger.Error("LE adapter: stopping gatt %s failed: %v", rs.role, err)
		return fmt.Errorf("stop gatt %s: %w", rs.role, err)
	}
	a.logger.Debug("LE adapter: gatt %s stopped", rs.role)
	return nil
}

// NotifyAdapterStateChanged reacts to the local adapter being powered on or
// off by starting or stopping the roles of the current mode, then informs the
// upper layer. The mode itself is not changed.
func (a *Adapter) NotifyAdapterStateChanged(enabled bool) {
	if a.closed.Load() {
		return
	}

	a.modeMu.Lock()
	if a.started {
		for _, role := range a.mode.roles() {
			rs := a.roles[role]
			if enabled {
				if err := a.startRole(rs); err != nil {
					a.logger.Error("LE adapter: %s role not started after adapter enable: %v", role, err)
				}
			} else if err := a.stopRole(rs); err != nil {
				a.logger.Error("LE adapter: %s role not stopped after adapter disable: %v", role, err)
			}
		}
	}
	a.modeMu.Unlock()

	a.logger.Info("LE adapter: adapter enabled=%v", enabled)
	a.callbacks.OnAdapterStateChanged(enabled)
}

// NotifyConnectionChanged informs the adapter that a peer connected or
// disconnected. On disconnect every queued outbound message and every partial
// inbound message for the peer is dropped, in both roles, and the peer's
// secure session is closed.
func (a *Adapter) NotifyConnectionChanged(address string, connected bool) {
	if a.closed.Load() {
		return
	}

	if !connected {
		for _, rs := range a.roles {
			a.purge(rs, address)
		}
		if closer, ok := a.secure.(SessionCloser); ok {
			closer.CloseSession(address)
		}
	}

	a.logger.Info("LE adapter: %s connected=%v", address, connected)
	a.callbacks.OnConnectionStateChanged(address, connected)
}

func (a *Adapter) purge(rs *roleState, address string) {
	queued := 0
	if rs.sender != nil {
		rs.sendMu.Lock()
		queued = rs.sender.Remove(func(item interface{}) bool {
			return strings.EqualFold(item.(*sendItem).ep.Address, address)
		})
		rs.sendMu.Unlock()
	}
	partial := rs.reassembler.PurgeAddress(address)
	if queued > 0 || partial > 0 {
		a.logger.Debug("LE adapter: %s purged %d queued and %d partial messages for %s",
			rs.role, queued, partial, address)
	}
}

// SetLocalSourcePort sets the port stamped on outbound segments and accepted
// on inbound ones
func (a *Adapter) SetLocalSourcePort(port uint8) error {
	if err := validatePort(port); err != nil {
		return err
	}
	a.localPort.Store(uint32(port))
	return nil
}

// LocalPort returns the local source port
func (a *Adapter) LocalPort() uint8 {
	return uint8(a.localPort.Load())
}

// SetMTU sets the segment size used for peers without a negotiated MTU
func (a *Adapter) SetMTU(mtu int) error {
	if err := frag.ValidateMTU(mtu); err != nil {
		return err
	}
	a.mtu.Store(int64(mtu))
	return nil
}

// MTU returns the segment size used for address
func (a *Adapter) MTU(address string) int {
	if p, ok := a.radio.(radio.MTUProvider); ok {
		if mtu, ok := p.MTU(address); ok {
			if mtu > frag.MaxMTU {
				mtu = frag.MaxMTU
			}
			if frag.ValidateMTU(mtu) == nil {
				return mtu
			}
		}
	}
	return int(a.mtu.Load())
}

// LocalEndpoint returns the local adapter address and source port
func (a *Adapter) LocalEndpoint() (Endpoint, error) {
	address, err := a.radio.LocalAddress()
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Address: address, Port: a.LocalPort()}, nil
}

// Statistics returns the counters of one role
func (a *Adapter) Statistics(role radio.Role) *frag.Statistics {
	if role != radio.RoleServer && role != radio.RoleClient {
		return nil
	}
	return a.roles[role].stats
}

// radioEvents routes radio callbacks into the adapter
type radioEvents struct {
	a *Adapter
}

func (e radioEvents) OnDataReceived(role radio.Role, address string, data []byte) {
	e.a.receive(role, address, data)
}

func (e radioEvents) OnAdapterStateChanged(enabled bool) {
	e.a.NotifyAdapterStateChanged(enabled)
}

func (e radioEvents) OnConnectionStateChanged(address string, connected bool) {
	e.a.NotifyConnectionChanged(address, connected)
}
