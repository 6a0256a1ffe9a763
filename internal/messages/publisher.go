// Package messages publishes resolution events onto a Redis stream so that
// downstream consumers (receipts, notifications) see each terminal
// transition exactly once.
package messages

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"schoolpay/internal/payments"
)

type RedisPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

func (p *RedisPublisher) PublishResolution(ctx context.Context, msg payments.ResolutionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
}
