//go:build linux

package main

import (
	"avaneesh/blefrag/pkg/radio"
	"avaneesh/blefrag/pkg/radio/bluez"
)

func openBluez() (radio.Radio, error) {
	return bluez.New(bluez.Config{
		Adapter:   hciName,
		LocalName: "lefrag",
		MTU:       mtu,
		Logger:    log,
	})
}
