// Package incident keeps the recent refresh token reuse incidents per user in redis.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/usermanager/internal/models"
)

const (
	DefaultKeep = 50
	DefaultTTL  = 30 * 24 * time.Hour

	keyPrefix = "incident:reuse"
)

// Journal is a capped redis list per user, newest first
// Journal with nil client accepts and returns nothing
type Journal struct {
	client redis.UniversalClient
	keep   int64
	ttl    time.Duration
}

func NewJournal(client redis.UniversalClient) *Journal {
	return &Journal{client: client, keep: DefaultKeep, ttl: DefaultTTL}
}

func (j *Journal) RecordReuse(ctx context.Context, incident models.ReuseIncident) error {
	if j.client == nil {
		return nil
	}

	payload, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("can't encode incident. Err: %w", err)
	}

	key := j.key(incident.UserID)
	pipe := j.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, j.keep-1)
	pipe.Expire(ctx, key, j.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("can't save incident. Err: %w", err)
	}

	return nil
}

// Recent incidents of the user, newest first
func (j *Journal) Recent(ctx context.Context, userID uuid.UUID, limit int) ([]models.ReuseIncident, error) {
	incidents := make([]models.ReuseIncident, 0)
	if j.client == nil || limit <= 0 {
		return incidents, nil
	}

	raw, err := j.client.LRange(ctx, j.key(userID), 0, int64(limit)-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("can't read incidents. Err: %w", err)
	}

	for _, item := range raw {
		var incident models.ReuseIncident
		if err := json.Unmarshal([]byte(item), &incident); err != nil {
			return nil, fmt.Errorf("can't decode incident. Err: %w", err)
		}
		incidents = append(incidents, incident)
	}

	return incidents, nil
}

func (j *Journal) key(userID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", keyPrefix, userID)
}
