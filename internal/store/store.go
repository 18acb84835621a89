// Package store provides the keyed client-side storage the rest of the
// client persists into: tokens, onboarding progress and dismissed tips.
// Every backend offers the same small contract, including an atomic
// read-modify-write so counters survive concurrent writers.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("store: key not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// UpdateFunc receives the current value of a key (exists reports whether it
// was set) and returns the value to write. Returning an error aborts the
// update without writing anything.
type UpdateFunc func(current string, exists bool) (string, error)

// Store is a string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Update applies fn to the latest stored value and writes the result
	// atomically with respect to other Update calls on the same key.
	Update(ctx context.Context, key string, fn UpdateFunc) (string, error)
	Close() error
}
