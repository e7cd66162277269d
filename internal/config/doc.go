// Package config provides configuration for parley.
//
// Configuration is layered, lowest priority first:
//
//  1. Built-in defaults (Default)
//  2. The TOML file (parley.toml)
//  3. PARLEY_* environment variables
//
// Environment variables follow the SECTION_KEY convention, so
// PARLEY_SANDBOX_EXEC_TIMEOUT sets [sandbox] exec_timeout.
//
// Example file:
//
//	[log]
//	level = "debug"
//
//	[storage]
//	driver = "sqlite"
//	path = "~/.local/share/parley/parley.db"
//
//	[sandbox]
//	mode = "inproc"
//	exec_timeout = "5s"
//
//	[plugins]
//	dir = "~/.config/parley/plugins"
//	watch = true
package config
