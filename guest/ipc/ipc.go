// Package ipc wraps the receive_message/send_message host calls with the
// CBOR Event codec, so guest plugin code exchanges event.Event values
// rather than raw byte pairs.
package ipc

import (
	"errors"
	"unsafe"

	"github.com/kierandrewett/lyplayer-server/guest/event"
	"github.com/kierandrewett/lyplayer-server/guest/externs"
	"github.com/kierandrewett/lyplayer-server/guest/memguest"
)

// RecvRaw blocks in the host until the next bus event arrives and returns
// its raw CBOR bytes, or nil if the host gives up without one.
func RecvRaw() []byte {
	var retPtr, retLen uint32
	externs.ReceiveMessage(addrOf(&retPtr), addrOf(&retLen))
	if retPtr == 0 || retLen == 0 {
		return nil
	}
	data := memguest.Read(retPtr, retLen)
	memguest.Release(retPtr)
	return data
}

// Recv decodes the next bus event, or returns (Event{}, false) if the host
// gives up without one or the frame does not decode.
func Recv() (event.Event, bool) {
	raw := RecvRaw()
	if raw == nil {
		return event.Event{}, false
	}
	ev, err := event.DecodeEvent(raw)
	if err != nil {
		return event.Event{}, false
	}
	return ev, true
}

// SendRaw hands already-encoded bytes to the host's bus dispatcher.
func SendRaw(data []byte) error {
	var ret uint32
	ptr, length := addrOfBytes(data)
	externs.SendMessage(ptr, length, addrOf(&ret))
	if ret != 0 {
		return errors.New("failed to send message")
	}
	return nil
}

// Send encodes ev and dispatches it onto the bus.
func Send(ev event.Event) error {
	data, err := event.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return SendRaw(data)
}

func addrOf(v *uint32) uint32 {
	return uint32(uintptr(unsafe.Pointer(v)))
}

func addrOfBytes(b []byte) (uint32, uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}
