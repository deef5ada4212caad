// Package memguest implements the guest side of the host<->guest memory
// handoff: the lyserver_plugin_alloc export the host calls before writing
// a frame into this module's linear memory, and the bookkeeping needed to
// stop Go's GC from reclaiming a buffer the host hasn't read yet.
package memguest

import "unsafe"

// live retains every buffer handed out by Alloc until Release is called
// for it, since nothing outside this module's own memory holds a Go
// reference to keep it alive.
var live = map[uint32][]byte{}

// Alloc is exported to the host as lyserver_plugin_alloc. It allocates a
// length-byte buffer, pins it in live, and returns its address.
//
//go:wasmexport lyserver_plugin_alloc
func Alloc(length uint32) uint32 {
	buf := make([]byte, length)
	ptr := bufAddr(buf)
	live[ptr] = buf
	return ptr
}

// Release frees a previously allocated buffer. Guest code should call this
// once it is done consuming a buffer it received from the host via
// ReceiveMessage, so repeated receives don't leak memory over the
// plugin's lifetime.
func Release(ptr uint32) {
	delete(live, ptr)
}

// Read copies length bytes starting at ptr out of linear memory.
func Read(ptr, length uint32) []byte {
	out := make([]byte, length)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length))
	return out
}

func bufAddr(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0])))
}
