// Package store provides the key-value persistence used for plugin records,
// plugin storage, settings and chat state.
//
// Two implementations are provided: SQLite (modernc.org/sqlite, pure Go)
// for the application and an in-memory map for tests.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store: closed")

// Entry is one key-value pair.
type Entry struct {
	Key   string
	Value string
}

// KV is a string key-value store. Implementations are safe for concurrent
// use.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns the entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Key joins parts with the key separator.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Namespace is a view of a KV under a fixed key prefix.
type Namespace struct {
	kv     KV
	prefix string
}

// NewNamespace returns a view of kv whose keys are prefixed with
// prefix and the key separator.
func NewNamespace(kv KV, prefix string) *Namespace {
	return &Namespace{kv: kv, prefix: prefix + ":"}
}

// Get returns the value for key.
func (n *Namespace) Get(ctx context.Context, key string) (string, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

// Set stores value under key.
func (n *Namespace) Set(ctx context.Context, key, value string) error {
	return n.kv.Set(ctx, n.prefix+key, value)
}

// Delete removes key.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.prefix+key)
}

// List returns the namespace's entries under prefix with the namespace
// prefix stripped.
func (n *Namespace) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := n.kv.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Key = strings.TrimPrefix(entries[i].Key, n.prefix)
	}
	return entries, nil
}

// Clear removes every key in the namespace.
func (n *Namespace) Clear(ctx context.Context) error {
	entries, err := n.kv.List(ctx, n.prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := n.kv.Delete(ctx, e.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
