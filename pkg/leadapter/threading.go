//go:build !lesinglethread

package leadapter

const defaultSynchronous = false
