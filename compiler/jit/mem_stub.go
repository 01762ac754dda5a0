//go:build !linux

package jit

import (
	"tlog.app/go/errors"
)

func Supported() bool { return false }

func mapRW(size int) ([]byte, error) {
	return nil, errors.New("executable memory is not supported on this platform")
}

func protectRX(b []byte) error {
	return errors.New("executable memory is not supported on this platform")
}

func unmap(b []byte) error { return nil }
