package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/GoDePIN/orchgate/internal/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey is returned when no stored hash matches the presented key.
var ErrInvalidKey = errors.New("invalid api key")

// KeyRepo is the persistence surface the manager needs.
type KeyRepo interface {
	Create(ctx context.Context, k *model.ApiKey) (int64, error)
	ListActive(ctx context.Context, now time.Time) ([]*model.ApiKey, error)
	List(ctx context.Context) ([]*model.ApiKey, error)
	GetByID(ctx context.Context, id int64) (*model.ApiKey, error)
	Update(ctx context.Context, k *model.ApiKey) error
	Delete(ctx context.Context, id int64) error
	TouchLastUsed(ctx context.Context, id int64, when time.Time) error
}

// KeyManager authenticates API keys and owns the per-key rate counters.
type KeyManager struct {
	repo    KeyRepo
	limiter *SlidingWindow
}

func NewKeyManager(repo KeyRepo) *KeyManager {
	return &KeyManager{
		repo:    repo,
		limiter: NewSlidingWindow(time.Minute),
	}
}

// Authenticate verifies the presented plaintext against every active,
// non-expired stored hash. Verification is bcrypt (salted, constant-time);
// equality comparison would be wrong. The last_used_at update is
// best-effort and detached from the request.
func (m *KeyManager) Authenticate(ctx context.Context, plaintext string) (*model.ApiKey, error) {
	if plaintext == "" {
		return nil, ErrInvalidKey
	}
	keys, err := m.repo.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plaintext)) == nil {
			go func(id int64) {
				touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := m.repo.TouchLastUsed(touchCtx, id, time.Now().UTC()); err != nil {
					logger.Debug("last_used_at update failed", "key_id", id, "error", err)
				}
			}(k.ID)
			return k, nil
		}
	}
	return nil, ErrInvalidKey
}

// Allow applies the key's per-minute limit via the sliding window.
func (m *KeyManager) Allow(k *model.ApiKey) (bool, time.Duration) {
	return m.limiter.Allow(k.ID, k.RateLimitPerMinute)
}

// CreateKey generates a fresh key, stores only its hash, and returns the
// plaintext exactly once.
func (m *KeyManager) CreateKey(ctx context.Context, req model.CreateApiKeyRequest) (string, *model.ApiKey, error) {
	plaintext := model.KeyPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}

	rateLimit := 60
	if req.RateLimitPerMinute != nil && *req.RateLimitPerMinute > 0 {
		rateLimit = *req.RateLimitPerMinute
	}
	perms := req.Permissions
	if len(perms) == 0 {
		perms = []string{model.PermRead}
	}

	key := &model.ApiKey{
		KeyHash:            string(hash),
		KeyPreview:         plaintext[:len(model.KeyPrefix)+4],
		Name:               req.Name,
		Description:        req.Description,
		CreatedAt:          time.Now().UTC(),
		IsActive:           true,
		RateLimitPerMinute: rateLimit,
		Permissions:        perms,
	}
	if req.ExpiresInDays != nil && *req.ExpiresInDays > 0 {
		t := key.CreatedAt.AddDate(0, 0, *req.ExpiresInDays)
		key.ExpiresAt = &t
	}

	id, err := m.repo.Create(ctx, key)
	if err != nil {
		return "", nil, err
	}
	key.ID = id
	logger.Info("api key created", "key_id", id, "name", key.Name)
	return plaintext, key, nil
}

// ListKeys returns every stored key, hashes excluded by the model's JSON
// shape.
func (m *KeyManager) ListKeys(ctx context.Context) ([]*model.ApiKey, error) {
	return m.repo.List(ctx)
}

func (m *KeyManager) GetKey(ctx context.Context, id int64) (*model.ApiKey, error) {
	return m.repo.GetByID(ctx, id)
}

// UpdateKey applies the partial update to a stored key.
func (m *KeyManager) UpdateKey(ctx context.Context, id int64, req model.UpdateApiKeyRequest) (*model.ApiKey, error) {
	key, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Description != nil {
		key.Description = *req.Description
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if req.RateLimitPerMinute != nil && *req.RateLimitPerMinute > 0 {
		key.RateLimitPerMinute = *req.RateLimitPerMinute
	}
	if req.Permissions != nil {
		key.Permissions = req.Permissions
	}
	if req.ExpiresInDays != nil {
		if *req.ExpiresInDays > 0 {
			t := time.Now().UTC().AddDate(0, 0, *req.ExpiresInDays)
			key.ExpiresAt = &t
		} else {
			key.ExpiresAt = nil
		}
	}
	if err := m.repo.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *KeyManager) DeleteKey(ctx context.Context, id int64) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.limiter.Forget(id)
	return nil
}
