//go:build !linux

package main

import (
	"errors"

	"avaneesh/blefrag/pkg/radio"
)

func openBluez() (radio.Radio, error) {
	return nil, errors.New("the bluez transport is only available on linux")
}
