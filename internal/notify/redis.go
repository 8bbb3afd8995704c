package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/uma-arai/sbcntr-visitor/internal/common/tracing"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// Publisher はRedisのPublishができるクライアントです
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher はアラートをJSONにしてRedisのチャネルへ送ります
type RedisPublisher struct {
	client  Publisher
	channel string
}

func NewRedisPublisher(client Publisher, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// NewRedisClient は設定値からRedisクライアントを作成します
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (p *RedisPublisher) Notify(ctx context.Context, alert model.NotificationAlert) error {
	ctx, seg := tracing.Subsegment(ctx, "RedisPublisher.Notify")
	defer seg.Close(nil)

	data, err := json.Marshal(alert)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to publish alert to %s: %w", p.channel, err)
	}

	seg.AddMetadata("channel", p.channel)
	return nil
}
