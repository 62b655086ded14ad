package hostaccess

import (
	"unsafe"

	"github.com/ehrlich-b/go-p2pmem/internal/constants"
)

// store writes v at mem[off:] with a single access when the element is a
// machine word size, so device memory sees the intended transaction width.
func store(mem []byte, off int, v []byte) {
	n := len(v)
	_ = mem[off+n-1]
	if n > constants.MaxElementSize || n&(n-1) != 0 {
		copy(mem[off:off+n], v)
		return
	}
	dst := unsafe.Pointer(&mem[off])
	src := unsafe.Pointer(&v[0])
	switch n {
	case 1:
		*(*uint8)(dst) = *(*uint8)(src)
	case 2:
		*(*uint16)(dst) = *(*uint16)(src)
	case 4:
		*(*uint32)(dst) = *(*uint32)(src)
	case 8:
		*(*uint64)(dst) = *(*uint64)(src)
	}
}

// load reads len(dst) bytes at mem[off:] into dst
func load(dst []byte, mem []byte, off int) {
	n := len(dst)
	_ = mem[off+n-1]
	if n > constants.MaxElementSize || n&(n-1) != 0 {
		copy(dst, mem[off:off+n])
		return
	}
	src := unsafe.Pointer(&mem[off])
	out := unsafe.Pointer(&dst[0])
	switch n {
	case 1:
		*(*uint8)(out) = *(*uint8)(src)
	case 2:
		*(*uint16)(out) = *(*uint16)(src)
	case 4:
		*(*uint32)(out) = *(*uint32)(src)
	case 8:
		*(*uint64)(out) = *(*uint64)(src)
	}
}
