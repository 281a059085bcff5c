package leadapter

import (
	"fmt"

	"avaneesh/blefrag/pkg/frag"
)

// Mode is the set of GATT roles the adapter has been asked to run
type Mode int

const (
	ModeEmpty Mode = iota
	ModeServer
	ModeClient
	ModeBoth
)

// String returns string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeEmpty:
		return "empty"
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	case ModeBoth:
		return "both"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// HasServer reports whether the GATT server role is part of the mode
func (m Mode) HasServer() bool {
	return m == ModeServer || m == ModeBoth
}

// HasClient reports whether the GATT client role is part of the mode
func (m Mode) HasClient() bool {
	return m == ModeClient || m == ModeBoth
}

// DataType classifies an outbound message for role selection in ModeBoth
type DataType int

const (
	DataRequest DataType = iota
	DataResponse
	DataResponseForResource
)

// String returns string representation of DataType
func (d DataType) String() string {
	switch d {
	case DataRequest:
		return "request"
	case DataResponse:
		return "response"
	case DataResponseForResource:
		return "response-for-resource"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// Endpoint identifies a remote peer and the port its messages are addressed to
type Endpoint struct {
	Address string
	Port    uint8
	Secure  bool
}

// String returns address:port
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

func endpointOf(msg *frag.Message) Endpoint {
	return Endpoint{Address: msg.Address, Port: msg.Port, Secure: msg.Secure}
}

// Callbacks receives upper-layer notifications. Calls may arrive on any
// goroutine, including the adapter's workers. OnPacketReceived runs while the
// receiving role's reassembly lock is held. Callbacks may call SendMessage but
// must not call Start, Stop, Close, the mode requests or NotifyConnectionChanged.
type Callbacks interface {
	// OnPacketReceived is called with every reassembled (and decrypted) message.
	// The data slice is owned by the callee.
	OnPacketReceived(ep Endpoint, data []byte)

	// OnError is called when an outbound message could not be sent. data is
	// the message as passed to SendMessage.
	OnError(ep Endpoint, data []byte, err error)

	// OnAdapterStateChanged is called after the adapter reacted to a power change
	OnAdapterStateChanged(enabled bool)

	// OnConnectionStateChanged is called after a peer connected or disconnected
	OnConnectionStateChanged(address string, connected bool)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are ignored.
type CallbackFuncs struct {
	Packet     func(ep Endpoint, data []byte)
	Error      func(ep Endpoint, data []byte, err error)
	Adapter    func(enabled bool)
	Connection func(address string, connected bool)
}

func (c CallbackFuncs) OnPacketReceived(ep Endpoint, data []byte) {
	if c.Packet != nil {
		c.Packet(ep, data)
	}
}

func (c CallbackFuncs) OnError(ep Endpoint, data []byte, err error) {
	if c.Error != nil {
		c.Error(ep, data, err)
	}
}

func (c CallbackFuncs) OnAdapterStateChanged(enabled bool) {
	if c.Adapter != nil {
		c.Adapter(enabled)
	}
}

func (c CallbackFuncs) OnConnectionStateChanged(address string, connected bool) {
	if c.Connection != nil {
		c.Connection(address, connected)
	}
}

// SecureHook encrypts outbound and decrypts inbound messages for endpoints
// with Secure set. Encrypt runs before fragmentation, Decrypt after reassembly.
type SecureHook interface {
	Encrypt(ep Endpoint, plaintext []byte) ([]byte, error)
	Decrypt(ep Endpoint, ciphertext []byte) ([]byte, error)
}

// SessionCloser is implemented by secure hooks that keep per-peer sessions
type SessionCloser interface {
	CloseSession(address string)
}
