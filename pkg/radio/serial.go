package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/internal/queue"
)

// SerialConfig configures a radio driven through a BLE co-processor on a UART
type SerialConfig struct {
	Port       string
	BaudRate   int
	MTU        int           // used when the co-processor does not report a peer MTU
	AckTimeout time.Duration // how long a command waits for the co-processor
	Logger     logger.Logger
}

// DefaultSerialConfig returns default serial settings
func DefaultSerialConfig(port string) SerialConfig {
	return SerialConfig{
		Port:       port,
		BaudRate:   115200,
		AckTimeout: 2 * time.Second,
	}
}

// SerialRadio implements Radio by exchanging CBOR envelopes with a BLE
// co-processor. Every command, including each segment, waits for an ack.
type SerialRadio struct {
	config SerialConfig
	port   io.ReadWriteCloser
	logger logger.Logger

	writeLock sync.Mutex
	seq       atomic.Uint32

	pendingLock sync.Mutex
	pending     map[uint32]chan error

	handlerLock sync.RWMutex
	handler     EventHandler

	mtuLock sync.RWMutex
	mtu     map[string]int
	local   string

	enabled atomic.Bool
	stats   linkCounters

	// events are dispatched off the read loop so handlers may send
	events *queue.Worker

	done   chan struct{}
	closed atomic.Bool
}

// ListSerialPorts returns the serial ports available on this host
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// OpenSerialRadio opens the configured port
func OpenSerialRadio(config SerialConfig) (*SerialRadio, error) {
	if config.BaudRate == 0 {
		config.BaudRate = 115200
	}
	port, err := serial.Open(config.Port, &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Port, err)
	}
	return NewSerialRadio(port, config), nil
}

// NewSerialRadio runs the bridge protocol over an already open stream
func NewSerialRadio(port io.ReadWriteCloser, config SerialConfig) *SerialRadio {
	if config.AckTimeout == 0 {
		config.AckTimeout = 2 * time.Second
	}
	r := &SerialRadio{
		config:  config,
		port:    port,
		logger:  logger.OrDefault(config.Logger),
		pending: make(map[uint32]chan error),
		mtu:     make(map[string]int),
		done:    make(chan struct{}),
	}
	r.enabled.Store(true)
	r.events = queue.NewWorker("serial-events", r.dispatch, r.logger)
	r.events.Start()
	go r.readLoop()
	return r
}

func (r *SerialRadio) readLoop() {
	defer close(r.done)

	var dec frameDecoder
	buf := make([]byte, 256)
	for {
		n, err := r.port.Read(buf)
		for _, b := range buf[:n] {
			env, derr := dec.feed(b)
			if derr != nil {
				r.stats.readErrors.Add(1)
				r.logger.Warn("serial: dropped frame: %v", derr)
				continue
			}
			if env != nil {
				r.handle(env)
			}
		}
		if err != nil {
			if !r.closed.Load() {
				r.logger.Error("serial: read failed: %v", err)
			}
			r.failPending(ErrClosed)
			return
		}
	}
}

func (r *SerialRadio) handle(env *envelope) {
	switch env.Type {
	case envAck:
		r.pendingLock.Lock()
		ch := r.pending[env.Seq]
		delete(r.pending, env.Seq)
		r.pendingLock.Unlock()
		if ch != nil {
			if env.Error != "" {
				ch <- errors.New(env.Error)
			} else {
				ch <- nil
			}
		}
		if env.Address != "" {
			r.mtuLock.Lock()
			r.local = env.Address
			r.mtuLock.Unlock()
		}

	case envData:
		r.stats.framesReceived.Add(1)
		r.stats.bytesReceived.Add(uint64(len(env.Data)))
		r.events.Add(event{kind: eventData, role: Role(env.Role), address: env.Address, data: env.Data})

	case envConnection:
		if env.Flag {
			r.stats.connects.Add(1)
		} else {
			r.stats.disconnects.Add(1)
			r.mtuLock.Lock()
			delete(r.mtu, env.Address)
			r.mtuLock.Unlock()
		}
		r.events.Add(event{kind: eventConnection, address: env.Address, connected: env.Flag})

	case envAdapter:
		if r.enabled.Swap(env.Flag) != env.Flag {
			r.events.Add(event{kind: eventAdapter, enabled: env.Flag})
		}

	case envMTU:
		r.mtuLock.Lock()
		r.mtu[env.Address] = int(env.Value)
		r.mtuLock.Unlock()

	default:
		r.logger.Debug("serial: ignoring envelope type %d", env.Type)
	}
}

func (r *SerialRadio) dispatch(item interface{}) {
	if h := r.eventHandler(); h != nil {
		dispatchEvent(h, item.(event))
	}
}

func (r *SerialRadio) failPending(err error) {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	for seq, ch := range r.pending {
		ch <- err
		delete(r.pending, seq)
	}
}

// request writes env and waits for the matching ack
func (r *SerialRadio) request(ctx context.Context, env *envelope) error {
	if r.closed.Load() {
		return ErrClosed
	}

	env.Seq = r.seq.Add(1)
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}

	ch := make(chan error, 1)
	r.pendingLock.Lock()
	r.pending[env.Seq] = ch
	r.pendingLock.Unlock()

	r.writeLock.Lock()
	_, err = r.port.Write(frame)
	r.writeLock.Unlock()
	if err != nil {
		r.forget(env.Seq)
		return err
	}

	timer := time.NewTimer(r.config.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		r.forget(env.Seq)
		return fmt.Errorf("serial: no ack for command %d", env.Type)
	case <-ctx.Done():
		r.forget(env.Seq)
		return ctx.Err()
	}
}

func (r *SerialRadio) forget(seq uint32) {
	r.pendingLock.Lock()
	delete(r.pending, seq)
	r.pendingLock.Unlock()
}

func (r *SerialRadio) command(t uint8) error {
	return r.request(context.Background(), &envelope{Type: t})
}

func (r *SerialRadio) StartGattServer() error { return r.command(envStartServer) }
func (r *SerialRadio) StopGattServer() error  { return r.command(envStopServer) }
func (r *SerialRadio) StartGattClient() error { return r.command(envStartClient) }
func (r *SerialRadio) StopGattClient() error  { return r.command(envStopClient) }

// IsAdapterEnabled reports the last adapter state announced by the co-processor
func (r *SerialRadio) IsAdapterEnabled() bool {
	return r.enabled.Load() && !r.closed.Load()
}

func (r *SerialRadio) send(ctx context.Context, role Role, address string, data []byte) error {
	if !r.enabled.Load() {
		return ErrAdapterDisabled
	}
	err := r.request(ctx, &envelope{Type: envSend, Role: uint8(role), Address: address, Data: data})
	if err != nil {
		r.stats.sendErrors.Add(1)
		return err
	}
	r.stats.framesSent.Add(1)
	r.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// SendToClient implements Radio.SendToClient
func (r *SerialRadio) SendToClient(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleServer, address, data)
}

// SendToServer implements Radio.SendToServer
func (r *SerialRadio) SendToServer(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleClient, address, data)
}

// LocalAddress asks the co-processor for its BLE address
func (r *SerialRadio) LocalAddress() (string, error) {
	r.mtuLock.RLock()
	local := r.local
	r.mtuLock.RUnlock()
	if local != "" {
		return local, nil
	}

	if err := r.request(context.Background(), &envelope{Type: envQuery}); err != nil {
		return "", err
	}

	r.mtuLock.RLock()
	defer r.mtuLock.RUnlock()
	if r.local == "" {
		return "", ErrRoleNotStarted
	}
	return r.local, nil
}

// MTU implements MTUProvider
func (r *SerialRadio) MTU(address string) (int, bool) {
	r.mtuLock.RLock()
	defer r.mtuLock.RUnlock()
	if mtu, ok := r.mtu[address]; ok {
		return mtu, true
	}
	if r.config.MTU > 0 {
		return r.config.MTU, true
	}
	return 0, false
}

// SetEventHandler implements Radio.SetEventHandler
func (r *SerialRadio) SetEventHandler(handler EventHandler) {
	r.handlerLock.Lock()
	defer r.handlerLock.Unlock()
	r.handler = handler
}

func (r *SerialRadio) eventHandler() EventHandler {
	r.handlerLock.RLock()
	defer r.handlerLock.RUnlock()
	return r.handler
}

// Statistics implements Radio.Statistics
func (r *SerialRadio) Statistics() LinkStats {
	return r.stats.snapshot()
}

// Close closes the port and waits for the reader
func (r *SerialRadio) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.port.Close()
	<-r.done
	r.events.Close()
	return err
}
