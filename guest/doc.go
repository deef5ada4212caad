// Package guest is the root of the LYServer WASM plugin guest SDK: a
// standalone module (no dependency on anything under internal/, since it
// compiles to wasip1/wasm, not the host's native target) providing the
// pieces a plugin author assembles into their own package main.
//
// A plugin built against this SDK needs, in its own package main:
//
//	import (
//	    "github.com/kierandrewett/lyplayer-server/guest/event"
//	    "github.com/kierandrewett/lyplayer-server/guest/ipc"
//	    "github.com/kierandrewett/lyplayer-server/guest/log"
//	    "github.com/kierandrewett/lyplayer-server/guest/memguest" // also wires lyserver_plugin_alloc
//	)
//
//	//go:wasmexport lyserver_plugin_init
//	func pluginInit() {
//	    ipc.Send(event.Event{Type: "plugin_init", Sender: event.PluginTarget("example@lyserver.local"), Target: event.AllTarget()})
//	}
//
//	//go:wasmexport lyserver_plugin_destroy
//	func pluginDestroy() {}
//
//	//go:wasmexport lyserver_plugin_handle_message_event
//	func handleMessageEvent(ptr, length uint32) {
//	    ev, err := event.DecodeEvent(memguest.Read(ptr, length))
//	    if err != nil {
//	        log.Error("bad event: %v", err)
//	        return
//	    }
//	    // ... route on ev.Type
//	}
//
//	func main() {}
//
// memguest additionally supplies the required lyserver_plugin_alloc
// export; log and ipc wrap the remaining host ABI functions described in
// SPEC_FULL.md section 4.E. router is a copy of the predicate-dispatch
// helper the host's built-in plugins use, for plugins that want to answer
// http_request events with pattern-matched routes instead of a single
// branch over ev.Type.
package guest
