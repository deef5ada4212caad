// Package log gives guest plugin code the same four log levels and raw
// stdout passthrough the host exposes, formatted with fmt.Sprintf and
// handed across the ABI boundary as a (ptr, len) pair.
package log

import (
	"fmt"
	"unsafe"

	"github.com/kierandrewett/lyplayer-server/guest/externs"
)

func addrOf(s string) (uint32, uint32) {
	if len(s) == 0 {
		return 0, 0
	}
	b := []byte(s)
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}

// Write sends raw bytes to the host's inherited stdout.
func Write(format string, args ...any) {
	ptr, length := addrOf(fmt.Sprintf(format, args...))
	externs.StdoutWrite(ptr, length)
}

// Info logs at info level.
func Info(format string, args ...any) {
	ptr, length := addrOf(fmt.Sprintf(format, args...))
	externs.LogInfo(ptr, length)
}

// Warn logs at warn level.
func Warn(format string, args ...any) {
	ptr, length := addrOf(fmt.Sprintf(format, args...))
	externs.LogWarn(ptr, length)
}

// Error logs at error level.
func Error(format string, args ...any) {
	ptr, length := addrOf(fmt.Sprintf(format, args...))
	externs.LogError(ptr, length)
}

// Debug logs at debug level.
func Debug(format string, args ...any) {
	ptr, length := addrOf(fmt.Sprintf(format, args...))
	externs.LogDebug(ptr, length)
}
