// Package bridge is the host half of the plugin boundary.
//
// Gateway is the host capability gateway: the methods the sandbox runtime
// may call, each attributed to the plugin id the runtime bound into the
// calling plugin's capability object. SandboxClient is the typed view of
// the runtime's own surface. ChannelProxy stands in for a channel adapter
// living in the sandbox; the adapter itself never leaves it. Relay
// subscribes to the chat store's event bus on the runtime's behalf and
// forwards events in publication order.
package bridge
