// Package plugin manages the plugins installed in parley.
//
// A plugin is either plain source (JavaScript or Lua) or a hybrid manifest
// that declares UI fragments, styles and a channel alongside an optional
// script. Plugin code runs in the sandbox runtime; this package only
// decides what runs and when.
//
// # Lifecycle
//
// Every plugin moves through the same states:
//
//	unloaded -> stopped -> running <-> stopped -> deleted
//
// The Manager persists a Record per plugin and drives the runtime:
//
//	repo := plugin.NewRepository(kv)
//	mgr := plugin.NewManager(client, registry, repo, plugin.WithLogger(logger))
//	if err := mgr.Restore(ctx); err != nil {
//	    logger.Warn("some plugins failed to start", zap.Error(err))
//	}
//	defer mgr.Close(ctx)
//
// Stopping a plugin stops it in the runtime and releases every resource it
// registered, whether it came from plugin code or from its manifest.
//
// # Metadata
//
// Plain plugins describe themselves with annotations in the line comments
// at the top of the file:
//
//	// @name Acme
//	// @version 1.2.0
//	// @description Acme models
//
// Lua plugins use "--" comments. The id is derived from the name.
//
// # Hybrid manifests
//
// A manifest is YAML or JSON, validated against a JSON Schema:
//
//	name: Shout
//	ui:
//	  toolbar:
//	    - id: badge
//	      html: "<b>shout</b>"
//	channel:
//	  extends: echo
//	  uppercase: true
//	styles:
//	  scoped: true
//	  css: ".message { font-weight: bold; }"
//
// The channel id defaults to the plugin id, and channel keys other than
// id, label, extends, capabilities and defaultConfig override the
// extended channel's config. Scoped styles are prefixed with the plugin's [data-plugin="<id>"]
// selector.
//
// # Sources
//
// Builtin plugins are embedded in the binary and cannot be deleted. A
// Watcher keeps plugins installed from a directory in sync with its files.
package plugin
