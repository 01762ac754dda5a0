//go:build !amd64

package jit

func call(code, sp uintptr) uintptr {
	// unreachable, Install refuses unsupported platforms
	return sp
}
