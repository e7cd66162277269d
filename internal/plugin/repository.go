package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/parley/internal/store"
)

const (
	recordPrefix = "plugins:record"
	indexKey     = "plugins:index"
)

// Repository persists plugin records and their install order.
type Repository struct {
	kv      store.KV
	records *store.Namespace
}

// NewRepository returns a Repository backed by kv.
func NewRepository(kv store.KV) *Repository {
	return &Repository{kv: kv, records: store.NewNamespace(kv, recordPrefix)}
}

// Save writes rec. New ids are appended to the index.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode plugin %q: %w", rec.ID, err)
	}
	if err := r.records.Set(ctx, rec.ID, string(data)); err != nil {
		return fmt.Errorf("save plugin %q: %w", rec.ID, err)
	}

	index, err := r.Index(ctx)
	if err != nil {
		return err
	}
	for _, id := range index {
		if id == rec.ID {
			return nil
		}
	}
	return r.writeIndex(ctx, append(index, rec.ID))
}

// Load returns the record for id.
func (r *Repository) Load(ctx context.Context, id string) (*Record, error) {
	data, err := r.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode plugin %q: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the record and its index entry.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete plugin %q: %w", id, err)
	}
	index, err := r.Index(ctx)
	if err != nil {
		return err
	}
	kept := index[:0]
	for _, v := range index {
		if v != id {
			kept = append(kept, v)
		}
	}
	return r.writeIndex(ctx, kept)
}

// All returns every record in install order. Index entries without a
// record are skipped.
func (r *Repository) All(ctx context.Context) ([]*Record, error) {
	index, err := r.Index(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(index))
	for _, id := range index {
		rec, err := r.Load(ctx, id)
		if errors.Is(err, ErrPluginNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Index returns the persisted install order.
func (r *Repository) Index(ctx context.Context) ([]string, error) {
	data, err := r.kv.Get(ctx, indexKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("decode plugin index: %w", err)
	}
	return ids, nil
}

func (r *Repository) writeIndex(ctx context.Context, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, indexKey, string(data))
}
