package bluez

import (
	"errors"
	"strings"
	"sync"
)

// ErrAmbiguousCentral is returned when more than one GATT client is connected
// to the server role. Writes and notifications carry no peer identity, so the
// server role serves one GATT client at a time.
var ErrAmbiguousCentral = errors.New("more than one gatt client connected")

// deviceAddress extracts the MAC address from a BlueZ device object path
// such as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func deviceAddress(path string) (string, bool) {
	i := strings.LastIndex(path, "/dev_")
	if i < 0 {
		return "", false
	}
	mac := strings.ReplaceAll(path[i+len("/dev_"):], "_", ":")
	if len(mac) != 17 || strings.Contains(mac, "/") {
		return "", false
	}
	return strings.ToUpper(mac), true
}

// centrals tracks GATT clients connected to the server role
type centrals struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

func newCentrals() *centrals {
	return &centrals{peers: make(map[string]struct{})}
}

// add records a connected client and reports whether it is new
func (c *centrals) add(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[address]; ok {
		return false
	}
	c.peers[address] = struct{}{}
	return true
}

// remove forgets a client and reports whether it was known
func (c *centrals) remove(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[address]; !ok {
		return false
	}
	delete(c.peers, address)
	return true
}

// clear forgets every client and returns their addresses
func (c *centrals) clear() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addresses := make([]string, 0, len(c.peers))
	for address := range c.peers {
		addresses = append(addresses, address)
	}
	c.peers = make(map[string]struct{})
	return addresses
}

// sole returns the only connected client. Writes received on the request
// characteristic are attributed to it.
func (c *centrals) sole() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch len(c.peers) {
	case 0:
		return "", errNoCentral
	case 1:
		for address := range c.peers {
			return address, nil
		}
	}
	return "", ErrAmbiguousCentral
}

var errNoCentral = errors.New("no gatt client connected")
