//go:build amd64

package jit

// call enters compiled code with the data stack pointer in DI and
// returns the post call stack pointer from AX.
//
//go:noescape
func call(code, sp uintptr) uintptr
