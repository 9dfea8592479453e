// Package treestore is a path-addressed JSON tree with atomic
// read-modify-write inside a single document.
package treestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for writes below a document that does not exist.
	ErrNotFound = errors.New("treestore: document not found")
	// ErrInvalidPath is returned for paths the operation cannot address.
	ErrInvalidPath = errors.New("treestore: invalid path")
)

// TxFunc computes the new value of a node from its current JSON (nil when
// absent). Returning a nil value deletes the node; returning an error aborts
// without writing.
type TxFunc func(current json.RawMessage) (any, error)

// Store is the storage port shared by every component.
type Store interface {
	// Get decodes the node at p into dest and reports whether it exists.
	Get(ctx context.Context, p Path, dest any) (bool, error)
	// Set overwrites the node at p. A nil value deletes it.
	Set(ctx context.Context, p Path, value any) error
	// Update merges fields into the node at p. Keys may span several
	// segments ("upvotes/p1"); a nil field deletes that child.
	Update(ctx context.Context, p Path, fields map[string]any) error
	// Delete removes the node at p. Deleting an absent node is not an error.
	Delete(ctx context.Context, p Path) error
	// Push stores value under a new time-ordered child id of p.
	Push(ctx context.Context, p Path, value any) (string, error)
	// Transaction atomically replaces the node at p with fn's result and
	// returns the committed JSON. Conflicting writes cause fn to be re-run.
	Transaction(ctx context.Context, p Path, fn TxFunc) (json.RawMessage, error)
	// Ping checks connectivity with the backend.
	Ping(ctx context.Context) error
}

// Transact is a typed wrapper around Store.Transaction. fn receives nil when
// the node is absent and returns nil to delete it.
func Transact[T any](ctx context.Context, s Store, p Path, fn func(current *T) (*T, error)) (*T, error) {
	raw, err := s.Transaction(ctx, p, func(current json.RawMessage) (any, error) {
		var cur *T
		if current != nil {
			cur = new(T)
			if err := json.Unmarshal(current, cur); err != nil {
				return nil, fmt.Errorf("decode %s: %w", p, err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return out, nil
}
