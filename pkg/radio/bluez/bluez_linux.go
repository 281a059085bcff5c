//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"avaneesh/blefrag/pkg/internal/logger"
	"avaneesh/blefrag/pkg/radio"
)

var (
	// ServiceUUID is the OIC GATT transport service
	ServiceUUID = mustParseUUID("ADE3D529-C784-4F63-A987-EB69F70EE816")
	// RequestUUID is written by GATT clients
	RequestUUID = mustParseUUID("AD7B334F-4637-4B86-90B6-9D787F03D218")
	// ResponseUUID notifies GATT clients
	ResponseUUID = mustParseUUID("E9241982-4580-42C4-8831-95048216B256")
)

const (
	bluezBus        = "org.bluez"
	bluezAdapter    = "org.bluez.Adapter1"
	bluezDevice     = "org.bluez.Device1"
	dbusProperties  = "org.freedesktop.DBus.Properties"
	propertiesEvent = dbusProperties + ".PropertiesChanged"
)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}

// Config configures the BlueZ radio
type Config struct {
	Adapter   string // HCI device name, default "hci0"
	LocalName string // advertised name
	MTU       int    // per-peer MTU reported to the adapter (0 = unknown)
	Logger    logger.Logger
}

type remoteServer struct {
	device   bluetooth.Device
	request  bluetooth.DeviceCharacteristic
	response bluetooth.DeviceCharacteristic
}

// Radio implements radio.Radio on a BlueZ adapter
type Radio struct {
	config  Config
	adapter *bluetooth.Adapter
	bus     *dbus.Conn
	logger  logger.Logger

	handlerLock sync.RWMutex
	handler     radio.EventHandler

	roleLock     sync.Mutex
	serviceAdded bool
	advertising  bool
	scanning     bool
	requestChar  bluetooth.Characteristic
	responseChar bluetooth.Characteristic
	adv          *bluetooth.Advertisement

	// GATT servers reached by the client role, keyed by MAC
	serversLock sync.RWMutex
	servers     map[string]*remoteServer
	dialing     sync.Map // MAC -> struct{}

	// GATT clients connected to the server role, keyed by MAC
	serverUp atomic.Bool
	centrals *centrals

	enabled atomic.Bool
	stats   struct {
		framesSent     atomic.Uint64
		framesReceived atomic.Uint64
		bytesSent      atomic.Uint64
		bytesReceived  atomic.Uint64
		sendErrors     atomic.Uint64
		connects       atomic.Uint64
		disconnects    atomic.Uint64
	}

	signals chan *dbus.Signal
	done    chan struct{}
	closed  atomic.Bool
}

// New enables the default adapter and starts following its power state
func New(config Config) (*Radio, error) {
	if config.Adapter == "" {
		config.Adapter = "hci0"
	}
	if config.LocalName == "" {
		config.LocalName = "blefrag"
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable adapter: %w", err)
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	r := &Radio{
		config:   config,
		adapter:  adapter,
		bus:      bus,
		logger:   logger.OrDefault(config.Logger),
		servers:  make(map[string]*remoteServer),
		centrals: newCentrals(),
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
	}

	powered, err := r.readPowered()
	if err != nil {
		return nil, err
	}
	r.enabled.Store(powered)

	// The adapter path namespace covers the adapter and all of its devices.
	if err := bus.AddMatchSignal(r.matchOptions()...); err != nil {
		return nil, fmt.Errorf("failed to watch adapter: %w", err)
	}
	bus.Signal(r.signals)
	go r.watchSignals()

	return r, nil
}

func (r *Radio) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchPathNamespace(r.adapterPath()),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

func (r *Radio) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + r.config.Adapter)
}

func (r *Radio) readPowered() (bool, error) {
	v, err := r.bus.Object(bluezBus, r.adapterPath()).GetProperty(bluezAdapter + ".Powered")
	if err != nil {
		return false, fmt.Errorf("failed to read adapter power state: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("adapter Powered has unexpected type %T", v.Value())
	}
	return powered, nil
}

func (r *Radio) watchSignals() {
	for {
		select {
		case <-r.done:
			r.bus.RemoveSignal(r.signals)
			r.bus.RemoveMatchSignal(r.matchOptions()...)
			return
		case sig, ok := <-r.signals:
			if !ok {
				return
			}
			if sig.Name != propertiesEvent || len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			switch {
			case iface == bluezAdapter && sig.Path == r.adapterPath():
				r.adapterChanged(changed)
			case iface == bluezDevice:
				r.deviceChanged(sig.Path, changed)
			}
		}
	}
}

func (r *Radio) adapterChanged(changed map[string]dbus.Variant) {
	v, ok := changed["Powered"]
	if !ok {
		return
	}
	powered, _ := v.Value().(bool)
	if r.enabled.Swap(powered) != powered {
		r.logger.Info("bluez: adapter %s powered=%v", r.config.Adapter, powered)
		if h := r.eventHandler(); h != nil {
			h.OnAdapterStateChanged(powered)
		}
	}
}

// deviceChanged follows Device1.Connected. Devices dialed by the client role
// are reported by connect; every other device is a GATT client of the server
// role.
func (r *Radio) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, _ := v.Value().(bool)
	address, ok := deviceAddress(string(path))
	if !ok {
		return
	}

	if connected {
		if _, dialing := r.dialing.Load(address); dialing || r.knownServer(address) {
			return
		}
		if !r.serverUp.Load() || !r.centrals.add(address) {
			return
		}
		if _, err := r.centrals.sole(); err != nil {
			r.logger.Warn("bluez: GATT client %s connected while another is active, writes are dropped: %v", address, err)
		}
		r.peerChanged(address, true)
		return
	}

	r.serversLock.Lock()
	_, wasServer := r.servers[address]
	delete(r.servers, address)
	r.serversLock.Unlock()
	if wasServer || r.centrals.remove(address) {
		r.peerChanged(address, false)
	}
}

func (r *Radio) knownServer(address string) bool {
	r.serversLock.RLock()
	defer r.serversLock.RUnlock()
	_, ok := r.servers[address]
	return ok
}

func (r *Radio) peerChanged(address string, connected bool) {
	if connected {
		r.stats.connects.Add(1)
	} else {
		r.stats.disconnects.Add(1)
	}
	r.logger.Info("bluez: peer %s connected=%v", address, connected)
	if h := r.eventHandler(); h != nil {
		h.OnConnectionStateChanged(address, connected)
	}
}

// SetEventHandler implements radio.Radio
func (r *Radio) SetEventHandler(handler radio.EventHandler) {
	r.handlerLock.Lock()
	defer r.handlerLock.Unlock()
	r.handler = handler
}

func (r *Radio) eventHandler() radio.EventHandler {
	r.handlerLock.RLock()
	defer r.handlerLock.RUnlock()
	return r.handler
}

func (r *Radio) received(role radio.Role, address string, data []byte) {
	r.stats.framesReceived.Add(1)
	r.stats.bytesReceived.Add(uint64(len(data)))
	if h := r.eventHandler(); h != nil {
		frame := make([]byte, len(data))
		copy(frame, data)
		h.OnDataReceived(role, address, frame)
	}
}

// StartGattServer registers the service once and starts advertising
func (r *Radio) StartGattServer() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.advertising {
		return nil
	}

	if !r.serviceAdded {
		err := r.adapter.AddService(&bluetooth.Service{
			UUID: ServiceUUID,
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &r.requestChar,
					UUID:   RequestUUID,
					Flags: bluetooth.CharacteristicWritePermission |
						bluetooth.CharacteristicWriteWithoutResponsePermission,
					// BlueZ does not identify the writer, the sole connected client is assumed
					WriteEvent: func(_ bluetooth.Connection, offset int, value []byte) {
						address, err := r.centrals.sole()
						if err != nil {
							r.logger.Warn("bluez: %d byte write dropped: %v", len(value), err)
							return
						}
						r.received(radio.RoleServer, address, value)
					},
				},
				{
					Handle: &r.responseChar,
					UUID:   ResponseUUID,
					Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to add GATT service: %w", err)
		}
		r.serviceAdded = true
	}

	r.adv = r.adapter.DefaultAdvertisement()
	if err := r.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    r.config.LocalName,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := r.adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertisement: %w", err)
	}
	r.advertising = true
	r.serverUp.Store(true)
	r.logger.Info("bluez: advertising as %s", r.config.LocalName)
	return nil
}

// StopGattServer stops advertising. The service stays registered.
func (r *Radio) StopGattServer() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if !r.advertising {
		return nil
	}
	r.advertising = false
	r.serverUp.Store(false)
	for _, address := range r.centrals.clear() {
		r.peerChanged(address, false)
	}
	return r.adv.Stop()
}

// StartGattClient scans for devices advertising the service and connects to them
func (r *Radio) StartGattClient() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.scanning {
		return nil
	}
	r.scanning = true

	go func() {
		err := r.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.AdvertisementPayload.HasServiceUUID(ServiceUUID) {
				return
			}
			address := result.Address.String()
			r.serversLock.RLock()
			_, known := r.servers[address]
			r.serversLock.RUnlock()
			if known {
				return
			}
			go r.connect(result.Address)
		})
		if err != nil {
			r.logger.Error("bluez: scan stopped: %v", err)
		}
	}()
	return nil
}

func (r *Radio) connect(address bluetooth.Address) {
	addr := address.String()
	if _, busy := r.dialing.LoadOrStore(addr, struct{}{}); busy {
		return
	}
	defer r.dialing.Delete(addr)

	device, err := r.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		r.logger.Warn("bluez: connect to %s failed: %v", address.String(), err)
		return
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		r.logger.Warn("bluez: %s has no transport service: %v", address.String(), err)
		device.Disconnect()
		return
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{RequestUUID, ResponseUUID})
	if err != nil || len(chars) < 2 {
		r.logger.Warn("bluez: %s characteristics missing: %v", address.String(), err)
		device.Disconnect()
		return
	}

	server := &remoteServer{device: device}
	for _, c := range chars {
		switch c.UUID() {
		case RequestUUID:
			server.request = c
		case ResponseUUID:
			server.response = c
		}
	}

	if err := server.response.EnableNotifications(func(buf []byte) {
		r.received(radio.RoleClient, addr, buf)
	}); err != nil {
		r.logger.Warn("bluez: enable notifications on %s failed: %v", addr, err)
		device.Disconnect()
		return
	}

	r.serversLock.Lock()
	r.servers[addr] = server
	r.serversLock.Unlock()
	r.peerChanged(addr, true)
}

// StopGattClient stops scanning and disconnects every GATT server
func (r *Radio) StopGattClient() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if !r.scanning {
		return nil
	}
	r.scanning = false
	err := r.adapter.StopScan()

	r.serversLock.Lock()
	servers := r.servers
	r.servers = make(map[string]*remoteServer)
	r.serversLock.Unlock()

	for address, s := range servers {
		s.device.Disconnect()
		r.peerChanged(address, false)
	}
	return err
}

// IsAdapterEnabled implements radio.Radio
func (r *Radio) IsAdapterEnabled() bool {
	return r.enabled.Load() && !r.closed.Load()
}

// SendToClient notifies subscribed GATT clients through the response characteristic
func (r *Radio) SendToClient(ctx context.Context, address string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// a notification reaches every subscriber, so it is only sent with a
	// single client connected
	central, err := r.centrals.sole()
	if !errors.Is(err, ErrAmbiguousCentral) && (err != nil || !strings.EqualFold(central, address)) {
		err = fmt.Errorf("%w: %s", radio.ErrNotConnected, address)
	}
	if err != nil {
		r.stats.sendErrors.Add(1)
		return err
	}
	if _, err := r.responseChar.Write(data); err != nil {
		r.stats.sendErrors.Add(1)
		return err
	}
	r.stats.framesSent.Add(1)
	r.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// SendToServer writes the request characteristic of a connected GATT server
func (r *Radio) SendToServer(ctx context.Context, address string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.serversLock.RLock()
	server := r.servers[address]
	r.serversLock.RUnlock()
	if server == nil {
		r.stats.sendErrors.Add(1)
		return fmt.Errorf("%w: %s", radio.ErrNotConnected, address)
	}

	if _, err := server.request.WriteWithoutResponse(data); err != nil {
		r.stats.sendErrors.Add(1)
		return err
	}
	r.stats.framesSent.Add(1)
	r.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// LocalAddress returns the adapter MAC address
func (r *Radio) LocalAddress() (string, error) {
	mac, err := r.adapter.Address()
	if err != nil {
		return "", err
	}
	return mac.String(), nil
}

// MTU implements radio.MTUProvider
func (r *Radio) MTU(address string) (int, bool) {
	if r.config.MTU <= 0 {
		return 0, false
	}
	return r.config.MTU, true
}

// Statistics implements radio.Radio
func (r *Radio) Statistics() radio.LinkStats {
	return radio.LinkStats{
		FramesSent:     r.stats.framesSent.Load(),
		FramesReceived: r.stats.framesReceived.Load(),
		BytesSent:      r.stats.bytesSent.Load(),
		BytesReceived:  r.stats.bytesReceived.Load(),
		SendErrors:     r.stats.sendErrors.Load(),
		Connects:       r.stats.connects.Load(),
		Disconnects:    r.stats.disconnects.Load(),
	}
}

// Close stops both roles and the power watcher
func (r *Radio) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.StopGattServer()
	r.StopGattClient()
	close(r.done)
	return nil
}
