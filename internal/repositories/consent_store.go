package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/models"
)

const (
	consentKeyPrefix   = "consent:"
	invalidationsTopic = "consent:invalidations"
)

// RedisConsentStore adapts the authoritative consent store: grants live in
// one hash per device ("consent:{deviceID}", field "{capability}|{purpose}",
// value JSON grant) and revocations are pushed on a pub/sub channel. The
// consent cache pulls Snapshot periodically and consumes the push channel
// for immediate invalidation.
type RedisConsentStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisConsentStore(client *redis.Client, logger *zap.Logger) *RedisConsentStore {
	return &RedisConsentStore{client: client, logger: logger}
}

func (s *RedisConsentStore) Snapshot(ctx context.Context) ([]models.ConsentGrant, error) {
	var grants []models.ConsentGrant

	iter := s.client.Scan(ctx, 0, consentKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read consent hash %s: %w", iter.Val(), err)
		}
		for _, raw := range fields {
			var grant models.ConsentGrant
			if err := json.Unmarshal([]byte(raw), &grant); err != nil {
				// A malformed grant reads as absent, which is a deny.
				s.logger.Warn("skipping malformed consent grant",
					zap.String("key", iter.Val()), zap.Error(err))
				continue
			}
			grants = append(grants, grant)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan consent keys: %w", err)
	}
	return grants, nil
}

// SetGrant writes a grant to the store and pushes an invalidation so caches
// converge before their next refresh.
func (s *RedisConsentStore) SetGrant(ctx context.Context, grant models.ConsentGrant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal consent grant: %w", err)
	}

	key := consentKeyPrefix + grant.DeviceID.String()
	field := grant.Capability + "|" + string(grant.Purpose)
	if err := s.client.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("failed to set consent grant: %w", err)
	}
	return s.PublishInvalidation(ctx, grant.DeviceID)
}

func (s *RedisConsentStore) PublishInvalidation(ctx context.Context, deviceID uuid.UUID) error {
	if err := s.client.Publish(ctx, invalidationsTopic, deviceID.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish consent invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidations delivers pushed revocations to fn until ctx ends.
func (s *RedisConsentStore) SubscribeInvalidations(ctx context.Context, fn func(deviceID uuid.UUID)) error {
	sub := s.client.Subscribe(ctx, invalidationsTopic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			deviceID, err := uuid.Parse(msg.Payload)
			if err != nil {
				s.logger.Warn("ignoring malformed invalidation", zap.String("payload", msg.Payload))
				continue
			}
			fn(deviceID)
		}
	}
}
