// Package sandbox is the isolated plugin runtime.
//
// A Runtime executes plugin code in per-plugin script VMs that share no
// memory with the host. Every VM is owned by one Loop goroutine; all script
// code runs as tasks on that loop. The only path to the host is the Caller
// the runtime was built with, normally an *rpc.Peer.
//
// Each plugin receives a capability object bound to its id at creation.
// Side effects made through it are attributed to that plugin without any
// notion of a "current" plugin, so event handlers and adapter callbacks
// are attributed correctly however they interleave.
//
// JavaScript plugins run in goja. Their source is wrapped as
//
//	(function(Plugin) { ...source... })
//
// and called once with the capability object. Lua plugins run in a
// sandboxed gopher-lua state and receive the capability table as the
// chunk's vararg (local plugin = ...).
package sandbox
