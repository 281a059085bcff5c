package leadapter

import (
	"fmt"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/radio"
)

func listenTransition(m Mode) Mode {
	switch m {
	case ModeEmpty:
		return ModeServer
	case ModeClient:
		return ModeBoth
	}
	return m
}

func discoverTransition(m Mode) Mode {
	switch m {
	case ModeEmpty:
		return ModeClient
	case ModeServer:
		return ModeBoth
	}
	return m
}

func stopServerTransition(m Mode) Mode {
	switch m {
	case ModeServer:
		return ModeEmpty
	case ModeBoth:
		return ModeClient
	}
	return m
}

func stopClientTransition(m Mode) Mode {
	switch m {
	case ModeClient:
		return ModeEmpty
	case ModeBoth:
		return ModeServer
	}
	return m
}

// route picks the GATT role that carries a message of type dt in mode m.
// In ModeBoth responses go out as server notifications, everything else as
// client writes.
func route(m Mode, dt DataType) (radio.Role, error) {
	if dt < DataRequest || dt > DataResponseForResource {
		return 0, fmt.Errorf("%w: data type %d", frag.ErrInvalidParam, int(dt))
	}
	switch m {
	case ModeServer:
		return radio.RoleServer, nil
	case ModeClient:
		return radio.RoleClient, nil
	case ModeBoth:
		if dt == DataResponse {
			return radio.RoleServer, nil
		}
		return radio.RoleClient, nil
	}
	return 0, ErrNotStarted
}

// roles lists the GATT roles active in m
func (m Mode) roles() []radio.Role {
	var roles []radio.Role
	if m.HasServer() {
		roles = append(roles, radio.RoleServer)
	}
	if m.HasClient() {
		roles = append(roles, radio.RoleClient)
	}
	return roles
}

// Mode returns the current mode
func (a *Adapter) Mode() Mode {
	return Mode(a.current.Load())
}

// setMode updates the mode. Callers hold modeMu.
func (a *Adapter) setMode(m Mode) {
	a.mode = m
	a.current.Store(int32(m))
}

// RequestListen adds the GATT server role. If the local adapter is powered
// off the role starts once it is enabled. With Config.DisableServer set the
// call does nothing.
func (a *Adapter) RequestListen() error {
	if a.config.DisableServer {
		a.logger.Info("LE adapter: server role disabled, listen ignored")
		return nil
	}
	return a.transition(radio.RoleServer, listenTransition)
}

// RequestDiscover adds the GATT client role. If the local adapter is powered
// off the role starts once it is enabled.
func (a *Adapter) RequestDiscover() error {
	return a.transition(radio.RoleClient, discoverTransition)
}

// StopServer removes the GATT server role
func (a *Adapter) StopServer() error {
	return a.transition(radio.RoleServer, stopServerTransition)
}

// StopClient removes the GATT client role
func (a *Adapter) StopClient() error {
	return a.transition(radio.RoleClient, stopClientTransition)
}

// transition applies next to the mode and starts or stops role to match.
// A request that does not change the mode has no side effects.
func (a *Adapter) transition(role radio.Role, next func(Mode) Mode) error {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}

	from := a.mode
	to := next(from)
	if to == from {
		return nil
	}

	rs := a.roles[role]
	adding := len(to.roles()) > len(from.roles())
	var err error
	if adding {
		if a.canRun() {
			if err := a.startRole(rs); err != nil {
				return err
			}
		} else {
			a.logger.Info("LE adapter: %s role will start once the adapter is enabled", role)
		}
	} else {
		err = a.stopRole(rs)
	}

	a.setMode(to)
	a.logger.Info("LE adapter: mode %s -> %s", from, to)
	return err
}

// canRun reports whether GATT roles may be started now. Callers hold modeMu.
func (a *Adapter) canRun() bool {
	return a.started && a.radio.IsAdapterEnabled()
}
