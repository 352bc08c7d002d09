package egress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultStream = "egress:events"

// RedisStreamSink appends allowed payloads to a Redis stream, the local
// stand-in for the cloud analytics pipe. The uplink consumes the stream on
// its own schedule.
type RedisStreamSink struct {
	client *redis.Client
	stream string
}

func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisStreamSink{client: client, stream: stream}
}

func (s *RedisStreamSink) Forward(ctx context.Context, deviceID uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal egress payload: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"device_id": deviceID.String(),
			"payload":   data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to egress stream: %w", err)
	}
	return nil
}
