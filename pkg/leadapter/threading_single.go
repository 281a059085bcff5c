//go:build lesinglethread

package leadapter

// Builds for single-threaded targets process everything inline by default.
const defaultSynchronous = true
