package radio

import (
	"context"
	"errors"
)

var (
	ErrClosed          = errors.New("radio closed")
	ErrNotConnected    = errors.New("peer not connected")
	ErrRoleNotStarted  = errors.New("gatt role not started")
	ErrAdapterDisabled = errors.New("adapter disabled")
	ErrFrameTooLarge   = errors.New("frame exceeds link maximum")
)

// Role selects the GATT side of a link
type Role int

const (
	// RoleServer is the GATT server side: peers are GATT clients writing to us
	RoleServer Role = iota
	// RoleClient is the GATT client side: peers are GATT servers we connected to
	RoleClient
)

// String returns string representation of Role
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// EventHandler receives events from a Radio. Calls may arrive on any goroutine.
type EventHandler interface {
	// OnDataReceived is called for every characteristic write or notification
	OnDataReceived(role Role, address string, data []byte)

	// OnAdapterStateChanged is called when the local adapter is enabled or disabled
	OnAdapterStateChanged(enabled bool)

	// OnConnectionStateChanged is called when a peer connects or disconnects
	OnConnectionStateChanged(address string, connected bool)
}

// Radio is the GATT link used by the adapter. Each Send call carries exactly
// one segment and returns once the link accepted or rejected it.
type Radio interface {
	StartGattServer() error
	StopGattServer() error
	StartGattClient() error
	StopGattClient() error

	// IsAdapterEnabled reports whether the local adapter is powered
	IsAdapterEnabled() bool

	// SendToClient updates the response characteristic for a connected GATT client
	SendToClient(ctx context.Context, address string, data []byte) error

	// SendToServer writes the request characteristic of a connected GATT server
	SendToServer(ctx context.Context, address string, data []byte) error

	// LocalAddress returns the address of the local adapter
	LocalAddress() (string, error)

	SetEventHandler(handler EventHandler)
	Statistics() LinkStats
	Close() error
}

// MTUProvider is implemented by radios that negotiate the MTU per peer
type MTUProvider interface {
	MTU(address string) (int, bool)
}

// LinkStats provides link-level statistics
type LinkStats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	SendErrors     uint64
	ReadErrors     uint64
	Connects       uint64
	Disconnects    uint64
}

// Send dispatches to SendToClient or SendToServer by role
func Send(ctx context.Context, r Radio, role Role, address string, data []byte) error {
	if role == RoleServer {
		return r.SendToClient(ctx, address, data)
	}
	return r.SendToServer(ctx, address, data)
}

// HandlerFuncs adapts plain functions to EventHandler. Nil fields are ignored.
type HandlerFuncs struct {
	Data       func(role Role, address string, data []byte)
	Adapter    func(enabled bool)
	Connection func(address string, connected bool)
}

func (h HandlerFuncs) OnDataReceived(role Role, address string, data []byte) {
	if h.Data != nil {
		h.Data(role, address, data)
	}
}

func (h HandlerFuncs) OnAdapterStateChanged(enabled bool) {
	if h.Adapter != nil {
		h.Adapter(enabled)
	}
}

func (h HandlerFuncs) OnConnectionStateChanged(address string, connected bool) {
	if h.Connection != nil {
		h.Connection(address, connected)
	}
}
