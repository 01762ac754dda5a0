package jit

import (
	"unsafe"
)

func (j *Module) dataPtr(off int) uintptr {
	return uintptr(unsafe.Pointer(&j.data[0])) + uintptr(off)
}

func (j *Module) codePtr(off int) uintptr {
	return uintptr(unsafe.Pointer(&j.code[0])) + uintptr(off)
}
