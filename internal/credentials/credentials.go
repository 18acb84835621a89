// Package credentials holds the two bearer token slots of a session.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"expenseclient/internal/store"
)

// Fixed storage keys, shared with the browser client.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// Store reads and writes the token pair. An empty string means "no token".
type Store interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, access, refresh string) error
	SetAccessToken(ctx context.Context, access string) error
	Clear(ctx context.Context) error
}

// KVStore keeps tokens in a store.Store. Writes are last-writer-wins.
type KVStore struct {
	kv store.Store
}

var _ Store = (*KVStore)(nil)

func NewKVStore(kv store.Store) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) AccessToken(ctx context.Context) (string, error) {
	return s.get(ctx, AccessTokenKey)
}

func (s *KVStore) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, RefreshTokenKey)
}

func (s *KVStore) SetTokens(ctx context.Context, access, refresh string) error {
	if err := s.kv.Set(ctx, AccessTokenKey, access); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if err := s.kv.Set(ctx, RefreshTokenKey, refresh); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// SetAccessToken replaces the access token and leaves the refresh token alone.
func (s *KVStore) SetAccessToken(ctx context.Context, access string) error {
	if err := s.kv.Set(ctx, AccessTokenKey, access); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	return nil
}

func (s *KVStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, AccessTokenKey, RefreshTokenKey); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

func (s *KVStore) get(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}
