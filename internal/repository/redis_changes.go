package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisChangeMirror keeps a capped list of the most recent allocation
// changes in Redis so external dashboards can read them without touching
// the primary store. It decorates a primary ChangeStore.
type RedisChangeMirror struct {
	client  *redis.Client
	primary interface {
		InsertChanges(ctx context.Context, changes []model.AllocationChange) ([]int64, error)
		SetEarningsImpact(ctx context.Context, ids []int64, impact float64) error
	}
	listKey string
	listMax int64
}

func NewRedisChangeMirror(client *redis.Client, primary *PostgresReallocRepo, listKey string, listMax int) *RedisChangeMirror {
	if listKey == "" {
		listKey = "orchgate:recent_changes"
	}
	if listMax <= 0 {
		listMax = 100
	}
	return &RedisChangeMirror{
		client:  client,
		primary: primary,
		listKey: listKey,
		listMax: int64(listMax),
	}
}

func (m *RedisChangeMirror) InsertChanges(ctx context.Context, changes []model.AllocationChange) ([]int64, error) {
	var ids []int64
	var err error
	if m.primary != nil {
		ids, err = m.primary.InsertChanges(ctx, changes)
	}

	// The mirror is best-effort; a Redis outage never fails the write.
	pushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := m.client.Pipeline()
	for _, c := range changes {
		if payload, jerr := json.Marshal(c); jerr == nil {
			pipe.LPush(pushCtx, m.listKey, payload)
		}
	}
	pipe.LTrim(pushCtx, m.listKey, 0, m.listMax-1)
	_, _ = pipe.Exec(pushCtx)

	return ids, err
}

func (m *RedisChangeMirror) SetEarningsImpact(ctx context.Context, ids []int64, impact float64) error {
	if m.primary == nil {
		return nil
	}
	return m.primary.SetEarningsImpact(ctx, ids, impact)
}

// Recent reads the mirrored list, newest first.
func (m *RedisChangeMirror) Recent(ctx context.Context, n int64) ([]model.AllocationChange, error) {
	if n <= 0 || n > m.listMax {
		n = m.listMax
	}
	raw, err := m.client.LRange(ctx, m.listKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.AllocationChange, 0, len(raw))
	for _, item := range raw {
		var c model.AllocationChange
		if err := json.Unmarshal([]byte(item), &c); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}
