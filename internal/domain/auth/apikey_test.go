package auth

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeyRepo struct {
	keys map[string]*APIKeyInfo
	err  error
}

func (m *mockKeyRepo) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.keys[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return info, nil
}

func TestAuthenticator_Authenticate(t *testing.T) {
	pepper := []byte("pepper")
	hash := Hash(pepper, "secret-key")
	repo := &mockKeyRepo{keys: map[string]*APIKeyInfo{
		hash: {ID: "k1", KeyHash: hash, Name: "web", Scopes: []string{ScopeAdmin}},
	}}
	a := NewAuthenticator(repo, pepper)

	info, err := a.Authenticate(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, "k1", info.ID)
	assert.True(t, info.HasScope(ScopeAdmin))

	_, err = a.Authenticate(context.Background(), "wrong-key")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)

	other := NewAuthenticator(repo, []byte("other-pepper"))
	_, err = other.Authenticate(context.Background(), "secret-key")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticator_StaleRow(t *testing.T) {
	pepper := []byte("pepper")
	hash := Hash(pepper, "secret-key")
	repo := &mockKeyRepo{keys: map[string]*APIKeyInfo{
		hash: {ID: "k1", KeyHash: Hash(pepper, "rotated")},
	}}

	_, err := NewAuthenticator(repo, pepper).Authenticate(context.Background(), "secret-key")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticator_RepositoryError(t *testing.T) {
	repo := &mockKeyRepo{err: errors.New("connection reset")}

	_, err := NewAuthenticator(repo, nil).Authenticate(context.Background(), "secret-key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestHash_Stable(t *testing.T) {
	assert.Equal(t, Hash([]byte("p"), "k"), Hash([]byte("p"), "k"))
	assert.NotEqual(t, Hash([]byte("p"), "k"), Hash([]byte("p"), "k2"))
	assert.Len(t, Hash(nil, "k"), 64)
}
