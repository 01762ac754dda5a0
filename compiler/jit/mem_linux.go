//go:build linux

package jit

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Supported reports whether compiled code can run on this platform.
func Supported() bool {
	return runtime.GOARCH == "amd64"
}

func mapRW(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func protectRX(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC)
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}
