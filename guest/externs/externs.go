// Package externs declares the raw host-function imports every LYServer
// WASM plugin links against. All of them live in the "env" module and
// match the host's ABI table literally — see internal/wasmhost for the
// host-side implementation these bind to.
//
// Pointers here are plain uint32 offsets into the guest's own linear
// memory, matching wasm32's address width; callers are responsible for
// keeping the referenced bytes alive until the call returns.
package externs

//go:wasmimport env lyserver_plugin_stdout_write
func StdoutWrite(ptr, length uint32)

//go:wasmimport env lyserver_plugin_log_info
func LogInfo(ptr, length uint32)

//go:wasmimport env lyserver_plugin_log_warn
func LogWarn(ptr, length uint32)

//go:wasmimport env lyserver_plugin_log_error
func LogError(ptr, length uint32)

//go:wasmimport env lyserver_plugin_log_debug
func LogDebug(ptr, length uint32)

// ReceiveMessage blocks on the host side until the plugin's next bus event
// arrives (or the host gives up), then writes the (ptr, len) pair of a
// freshly host-allocated-in-guest-memory CBOR frame into retPtrOut and
// retLenOut. Both are zero if the host gives up without an event (the
// plugin's channel closed or the host call was cancelled).
//
//go:wasmimport env lyserver_plugin_receive_message
func ReceiveMessage(retPtrOut, retLenOut uint32)

// SendMessage hands the host a CBOR-encoded event living at (ptr, len) in
// guest memory and writes a 0 (success) or 1 (failure) result code to
// retPtrOut.
//
//go:wasmimport env lyserver_plugin_send_message
func SendMessage(ptr, length, retPtrOut uint32)
