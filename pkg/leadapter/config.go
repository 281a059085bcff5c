package leadapter

import (
	"errors"
	"fmt"
	"time"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/internal/logger"
)

var (
	ErrNotStarted   = errors.New("no gatt role requested")
	ErrClosed       = errors.New("adapter closed")
	ErrNoSecureHook = errors.New("secure endpoint without secure hook")
)

// Config configures an Adapter
type Config struct {
	// MTU is the segment size used for peers without a negotiated MTU
	// Default: 20 (BLE 4.0 ATT payload)
	MTU int

	// LocalPort is the source port of outbound segments and the port inbound
	// segments must be addressed to (0 is always accepted)
	// Default: 1
	LocalPort uint8

	// MaxMessageSize bounds the total length announced by a start segment
	// Default: 64 KiB
	MaxMessageSize int

	// SendTimeout bounds a single segment write, 0 disables it
	SendTimeout time.Duration

	// DisableServer turns RequestListen into a no-op
	DisableServer bool

	// Synchronous processes sends and receives on the calling goroutine
	// instead of per-role workers
	Synchronous bool

	// EnableStatistics enables statistics collection
	EnableStatistics bool
}

// DefaultConfig returns default adapter configuration
func DefaultConfig() Config {
	return Config{
		MTU:              frag.DefaultMTU,
		LocalPort:        frag.DefaultLocalPort,
		MaxMessageSize:   64 * 1024,
		SendTimeout:      5 * time.Second,
		Synchronous:      defaultSynchronous,
		EnableStatistics: true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := frag.ValidateMTU(c.MTU); err != nil {
		return err
	}
	if err := validatePort(c.LocalPort); err != nil {
		return err
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size %d", frag.ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("%w: send timeout %v", frag.ErrInvalidConfig, c.SendTimeout)
	}
	return nil
}

func validatePort(port uint8) error {
	if port < frag.MinPort || port > frag.MaxPort {
		return fmt.Errorf("%w: local port %d outside [%d,%d]", frag.ErrInvalidParam, port, frag.MinPort, frag.MaxPort)
	}
	return nil
}

// Option configures optional adapter collaborators
type Option func(*Adapter)

// WithLogger sets the adapter logger
func WithLogger(log logger.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.logger = log
		}
	}
}

// WithSecureHook installs the encryption layer used for secure endpoints
func WithSecureHook(hook SecureHook) Option {
	return func(a *Adapter) {
		a.secure = hook
	}
}
