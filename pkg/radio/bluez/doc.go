// Package bluez drives a local BlueZ adapter as a radio.Radio on Linux.
//
// The GATT server exposes the OIC transport service with a writable request
// characteristic and a notifying response characteristic. The GATT client
// scans for the same service and connects to every device advertising it.
// Adapter power and peer connections are followed through the org.bluez
// D-Bus API, and peers are identified by MAC address.
//
// BlueZ does not tell a GATT server which client wrote a characteristic, and
// a notification reaches every subscriber. The server role therefore serves
// one GATT client at a time: while several are connected, writes are dropped
// and SendToClient returns ErrAmbiguousCentral.
package bluez
