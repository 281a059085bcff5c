package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"avaneesh/blefrag/pkg/leadapter"
	"avaneesh/blefrag/pkg/radio"
)

var errInjected = errors.New("injected segment loss")

// demo runs a GATT server and a GATT client adapter over an in-memory hub.
// The server echoes every request back as a response.
type demo struct {
	hub    *radio.Hub
	server *demoNode
	client *demoNode

	rngMu sync.Mutex
	rng   *rand.Rand

	echoes chan []byte
	failed chan error
}

type demoNode struct {
	name    string
	radio   *radio.LoopbackRadio
	adapter *leadapter.Adapter
}

func newDemo(loss float64, seed int64) (*demo, error) {
	d := &demo{
		hub:    radio.NewHub(log),
		rng:    rand.New(rand.NewSource(seed)),
		echoes: make(chan []byte, 1),
		failed: make(chan error, 4),
	}
	if loss > 0 {
		d.hub.SetFault(func(from, to string, data []byte) error {
			d.rngMu.Lock()
			defer d.rngMu.Unlock()
			if d.rng.Float64() < loss {
				return errInjected
			}
			return nil
		})
	}

	var err error
	d.server, err = d.newNode("00:00:00:00:00:01", leadapter.CallbackFuncs{
		Packet: func(ep leadapter.Endpoint, data []byte) {
			d.server.adapter.SendMessage(&ep, data, leadapter.DataResponse)
		},
		Error: d.onError,
	})
	if err != nil {
		return nil, err
	}
	d.client, err = d.newNode("00:00:00:00:00:02", leadapter.CallbackFuncs{
		Packet: func(ep leadapter.Endpoint, data []byte) {
			select {
			case d.echoes <- data:
			default:
			}
		},
		Error: d.onError,
	})
	if err != nil {
		d.server.close()
		return nil, err
	}

	if err := d.server.adapter.RequestListen(); err != nil {
		d.close()
		return nil, err
	}
	if err := d.client.adapter.RequestDiscover(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *demo) newNode(address string, callbacks leadapter.Callbacks) (*demoNode, error) {
	r, err := d.hub.NewRadio(address)
	if err != nil {
		return nil, err
	}
	cfg := leadapter.DefaultConfig()
	cfg.MTU = mtu
	cfg.LocalPort = localPort
	a, err := leadapter.New(cfg, r, callbacks, leadapter.WithLogger(log))
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := a.Start(); err != nil {
		a.Close()
		r.Close()
		return nil, err
	}
	return &demoNode{name: address, radio: r, adapter: a}, nil
}

func (d *demo) onError(ep leadapter.Endpoint, data []byte, err error) {
	select {
	case d.failed <- err:
	default:
	}
}

func (d *demo) payload(size int) []byte {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	p := make([]byte, size)
	d.rng.Read(p)
	return p
}

// exchange sends one request and waits for its echo
func (d *demo) exchange(size int, timeout time.Duration) error {
	// leftovers of an exchange that timed out
	for drained := false; !drained; {
		select {
		case <-d.echoes:
		case <-d.failed:
		default:
			drained = true
		}
	}

	request := d.payload(size)
	ep := &leadapter.Endpoint{Address: d.server.name, Port: localPort}
	if _, err := d.client.adapter.SendMessage(ep, request, leadapter.DataRequest); err != nil {
		return err
	}

	select {
	case echo := <-d.echoes:
		if !bytes.Equal(echo, request) {
			return fmt.Errorf("echo mismatch: sent %d bytes, got %d", len(request), len(echo))
		}
		return nil
	case err := <-d.failed:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no echo within %v", timeout)
	}
}

type statsRow struct {
	node, role                  string
	txMsgs, txSegs              uint64
	rxMsgs, rxSegs              uint64
	dropped, filtered, failures uint64
}

func (d *demo) rows() []statsRow {
	var rows []statsRow
	for _, n := range []*demoNode{d.server, d.client} {
		for _, role := range []radio.Role{radio.RoleServer, radio.RoleClient} {
			s := n.adapter.Statistics(role)
			rows = append(rows, statsRow{
				node:     n.name,
				role:     role.String(),
				txMsgs:   s.GetTxMessages(),
				txSegs:   s.GetTxSegments(),
				rxMsgs:   s.GetRxMessages(),
				rxSegs:   s.GetRxSegments(),
				dropped:  s.GetDropped(),
				filtered: s.GetFiltered(),
				failures: s.GetSendFailures(),
			})
		}
	}
	return rows
}

func (n *demoNode) close() {
	n.adapter.Close()
	n.radio.Close()
}

func (d *demo) close() {
	d.client.close()
	d.server.close()
}
