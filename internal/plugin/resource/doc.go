// Package resource tracks every resource a plugin registers with the host:
// channel types, UI components, its style element, body classes and
// loading indicators.
//
// Each plugin owns one Bucket, created on its first registration and
// destroyed by Release. A resource id belongs to at most one bucket:
// registering an id another plugin owns fails with ErrResourceOwned, while
// the owner may re-register it to replace it. Release undoes everything in
// the bucket; a failing cleanup step is logged and the rest still run.
//
// The registry is also where the chat UI resolves channel types to the
// adapter that serves them.
package resource
