// Package api defines the two capability gateways that cross the plugin
// boundary: the method names each side exposes and the values they carry.
//
// The host exposes the Host methods (Method* constants in host.go) to the
// sandbox runtime. The runtime exposes the Sandbox methods (sandbox.go) to
// the host. Both surfaces are plain, enumerable method sets; every value
// listed here is structurally clonable and crosses the boundary by copy.
//
// Values carry json tags. The rpc codec honors them, and the JavaScript
// engine builds script values from the same JSON shape, so plugins see the
// field names declared here.
package api
