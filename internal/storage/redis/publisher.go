package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

// NewMailEvent 是发布到 Redis 频道的新邮件事件
type NewMailEvent struct {
	Type    string         `json:"type"`
	Address string         `json:"address"`
	Message domain.Message `json:"message"`
}

// Publisher 通过 Redis Pub/Sub 发布新邮件事件
//
// 每个收件箱一个频道：<prefix>:<address>，订阅方可以用 PSUBSCRIBE <prefix>:* 接收全部事件。
type Publisher struct {
	rdb    *goredis.Client
	prefix string
	log    *zap.Logger
}

var _ storage.EventPublisher = (*Publisher)(nil)

// Connect 创建 Redis 客户端并测试连接
func Connect(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewPublisher 创建事件发布器
func NewPublisher(rdb *goredis.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "tempinbox:new-mail"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.Named("redis"),
	}
}

// Channel 返回某个收件箱的频道名
func (p *Publisher) Channel(address string) string {
	return p.prefix + ":" + domain.NormalizeAddress(address)
}

// PublishNewMail 发布新邮件事件
func (p *Publisher) PublishNewMail(ctx context.Context, address string, message *domain.Message) error {
	payload, err := json.Marshal(NewMailEvent{
		Type:    "new_mail",
		Address: domain.NormalizeAddress(address),
		Message: *message,
	})
	if err != nil {
		return fmt.Errorf("marshal new mail event: %w", err)
	}

	channel := p.Channel(address)
	receivers, err := p.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	p.log.Debug("new mail event published",
		zap.String("channel", channel),
		zap.String("messageID", message.ID),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Ping 测试 Redis 连接
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (p *Publisher) Close() error {
	if err := p.rdb.Close(); err != nil {
		p.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	return nil
}
