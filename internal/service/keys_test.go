package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// memKeyRepo is an in-memory KeyRepo for tests.
type memKeyRepo struct {
	mu     sync.Mutex
	nextID int64
	keys   map[int64]*model.ApiKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[int64]*model.ApiKey)}
}

func (r *memKeyRepo) Create(_ context.Context, k *model.ApiKey) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	clone := *k
	clone.ID = r.nextID
	r.keys[clone.ID] = &clone
	return clone.ID, nil
}

func (r *memKeyRepo) ListActive(_ context.Context, now time.Time) ([]*model.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ApiKey
	for _, k := range r.keys {
		if k.IsActive && !k.Expired(now) {
			clone := *k
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memKeyRepo) List(_ context.Context) ([]*model.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ApiKey
	for _, k := range r.keys {
		clone := *k
		out = append(out, &clone)
	}
	return out, nil
}

func (r *memKeyRepo) GetByID(_ context.Context, id int64) (*model.ApiKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	clone := *k
	return &clone, nil
}

func (r *memKeyRepo) Update(_ context.Context, k *model.ApiKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[k.ID]; !ok {
		return repository.ErrKeyNotFound
	}
	clone := *k
	r.keys[k.ID] = &clone
	return nil
}

func (r *memKeyRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[id]; !ok {
		return repository.ErrKeyNotFound
	}
	delete(r.keys, id)
	return nil
}

func (r *memKeyRepo) TouchLastUsed(_ context.Context, id int64, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[id]; ok {
		k.LastUsedAt = &when
	}
	return nil
}

func TestCreateKeyReturnsPlaintextOnce(t *testing.T) {
	km := NewKeyManager(newMemKeyRepo())

	plaintext, key, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{
		Name:        "reader",
		Permissions: []string{model.PermRead},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, model.KeyPrefix))
	assert.NotEqual(t, plaintext, key.KeyHash)
	assert.True(t, strings.HasPrefix(plaintext, key.KeyPreview))

	// Only the salted hash is at rest, and it verifies.
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)))
}

func TestAuthenticate(t *testing.T) {
	km := NewKeyManager(newMemKeyRepo())
	plaintext, created, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{Name: "k"})
	require.NoError(t, err)

	key, err := km.Authenticate(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, created.ID, key.ID)

	// Verifying the same plaintext twice yields the same decision.
	key2, err := km.Authenticate(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, key.ID, key2.ID)

	_, err = km.Authenticate(context.Background(), "dpn_wrong")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = km.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	repo := newMemKeyRepo()
	km := NewKeyManager(repo)

	days := 1
	plaintext, created, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{
		Name:          "short-lived",
		ExpiresInDays: &days,
	})
	require.NoError(t, err)

	// Force the expiration into the past.
	stored, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	stored.ExpiresAt = &past
	require.NoError(t, repo.Update(context.Background(), stored))

	_, err = km.Authenticate(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateRejectsInactive(t *testing.T) {
	repo := newMemKeyRepo()
	km := NewKeyManager(repo)

	plaintext, created, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{Name: "k"})
	require.NoError(t, err)

	inactive := false
	_, err = km.UpdateKey(context.Background(), created.ID, model.UpdateApiKeyRequest{IsActive: &inactive})
	require.NoError(t, err)

	_, err = km.Authenticate(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestUpdateKey(t *testing.T) {
	km := NewKeyManager(newMemKeyRepo())
	_, created, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{Name: "k"})
	require.NoError(t, err)

	name := "renamed"
	limit := 120
	updated, err := km.UpdateKey(context.Background(), created.ID, model.UpdateApiKeyRequest{
		Name:               &name,
		RateLimitPerMinute: &limit,
		Permissions:        []string{model.PermRead, model.PermWrite},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 120, updated.RateLimitPerMinute)
	assert.True(t, updated.HasPermission(model.PermWrite))
	assert.False(t, updated.HasPermission(model.PermAdmin))
}

func TestDeleteKey(t *testing.T) {
	km := NewKeyManager(newMemKeyRepo())
	_, created, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{Name: "k"})
	require.NoError(t, err)

	require.NoError(t, km.DeleteKey(context.Background(), created.ID))
	_, err = km.GetKey(context.Background(), created.ID)
	assert.ErrorIs(t, err, repository.ErrKeyNotFound)

	err = km.DeleteKey(context.Background(), created.ID)
	assert.ErrorIs(t, err, repository.ErrKeyNotFound)
}

func TestDefaultPermissionsAndRateLimit(t *testing.T) {
	km := NewKeyManager(newMemKeyRepo())
	_, created, err := km.CreateKey(context.Background(), model.CreateApiKeyRequest{Name: "k"})
	require.NoError(t, err)
	assert.Equal(t, []string{model.PermRead}, created.Permissions)
	assert.Equal(t, 60, created.RateLimitPerMinute)
}
