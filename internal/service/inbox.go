package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/pool"
	"tempinbox/backend/internal/storage"
)

// 演示投递的默认字段
const (
	DemoFrom     = "demo@example.com"
	DemoFromName = "Demo Sender"
	DemoSubject  = "Test Email"
	DemoBody     = "This is a test email."
)

const (
	localPartLength     = 10
	localPartAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxGenerateAttempts = 8
	publishTimeout      = 3 * time.Second
)

// ErrAddressExhausted 连续多次生成的地址都已被占用
var ErrAddressExhausted = errors.New("could not allocate a unique address")

// Notifier 接收新邮件通知，例如 WebSocket Hub
type Notifier interface {
	NotifyNewMail(address string, message *domain.Message) bool
}

// InboxService 封装收件箱相关业务操作。
//
// SMTP 前端与 HTTP API 都通过它写入存储，新邮件通知在协程池中异步派发。
type InboxService struct {
	repo      storage.InboxRepository
	domain    string
	lifetime  time.Duration
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	pool      *pool.WorkerPool
	notifiers []Notifier
	publisher storage.EventPublisher

	now          func() time.Time
	newLocalPart func() (string, error)
}

// Option 配置 InboxService。
type Option func(*InboxService)

// WithNotifier 追加新邮件通知接收方
func WithNotifier(n Notifier) Option {
	return func(s *InboxService) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

// WithPublisher 设置事件发布器（例如 Redis）
func WithPublisher(p storage.EventPublisher) Option {
	return func(s *InboxService) {
		s.publisher = p
	}
}

// WithWorkerPool 设置派发通知的协程池，未设置时不发送任何通知
func WithWorkerPool(p *pool.WorkerPool) Option {
	return func(s *InboxService) {
		s.pool = p
	}
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(s *InboxService) {
		s.now = now
	}
}

// WithLocalPartGenerator 替换地址本地部分生成器
func WithLocalPartGenerator(fn func() (string, error)) Option {
	return func(s *InboxService) {
		s.newLocalPart = fn
	}
}

// NewInboxService 创建收件箱业务服务。
func NewInboxService(repo storage.InboxRepository, cfg config.InboxConfig, logger *zap.Logger, metrics *monitoring.Metrics, opts ...Option) *InboxService {
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = domain.DefaultInboxLifetime
	}

	s := &InboxService{
		repo:         repo,
		domain:       cfg.Domain,
		lifetime:     lifetime,
		logger:       logger.Named("inbox"),
		metrics:      metrics,
		now:          time.Now,
		newLocalPart: randomLocalPart,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNotifier 追加通知接收方，必须在开始接收邮件之前调用。
//
// 用于解决 Hub 与服务互相依赖的构造顺序：Hub 查询收件箱需要服务，服务推送又需要 Hub。
func (s *InboxService) AddNotifier(n Notifier) {
	WithNotifier(n)(s)
}

// Domain 返回服务域名
func (s *InboxService) Domain() string {
	return s.domain
}

// Generate 生成一个新的随机地址并创建收件箱。
func (s *InboxService) Generate() (*domain.Inbox, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		local, err := s.newLocalPart()
		if err != nil {
			return nil, fmt.Errorf("generate local part: %w", err)
		}
		address := local + "@" + s.domain

		if _, err := s.repo.Lookup(address); err == nil {
			s.logger.Debug("generated address already in use", zap.String("address", address))
			continue
		}

		inbox, err := s.repo.Provision(address, s.now().Add(s.lifetime))
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", address, err)
		}

		s.metrics.RecordInboxProvisioned()
		s.logger.Info("inbox generated",
			zap.String("address", inbox.Address),
			zap.Time("expiresAt", inbox.ExpiresAt),
		)
		return inbox, nil
	}
	return nil, ErrAddressExhausted
}

// Get 返回未过期的收件箱。
func (s *InboxService) Get(address string) (*domain.Inbox, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return nil, storage.ErrInvalidAddress
	}
	return s.repo.Lookup(address)
}

// MarkRead 将邮件标记为已读。
func (s *InboxService) MarkRead(messageID string) error {
	if messageID == "" {
		return storage.ErrMessageNotFound
	}
	if err := s.repo.MarkRead(messageID); err != nil {
		return err
	}
	s.metrics.RecordMessageRead()
	return nil
}

// DemoSendInput 定义演示投递的输入，空字段使用默认值。
type DemoSendInput struct {
	To       string
	From     string
	FromName string
	Subject  string
	Body     string
	HTML     string
}

// DemoSend 绕过 SMTP 直接向收件箱追加一封邮件。
func (s *InboxService) DemoSend(input DemoSendInput) (*domain.Message, error) {
	to := domain.NormalizeAddress(input.To)
	if err := domain.ValidateEmail(to); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAddress, err)
	}

	draft := domain.MessageDraft{
		From:     valueOr(domain.NormalizeAddress(input.From), DemoFrom),
		FromName: valueOr(input.FromName, DemoFromName),
		Subject:  valueOr(input.Subject, DemoSubject),
		Body:     valueOr(input.Body, DemoBody),
		HTML:     input.HTML,
	}

	msg, err := s.repo.Append(to, draft)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordMessageReceived(monitoring.SourceAPI, 1)
	s.logger.Info("demo message stored",
		zap.String("to", to),
		zap.String("messageID", msg.ID),
	)
	s.notify(msg)
	return msg, nil
}

// Deliver 把 SMTP 收到的邮件投递给全部收件人，要么全部成功要么全部失败。
func (s *InboxService) Deliver(recipients []string, draft domain.MessageDraft) ([]*domain.Message, error) {
	msgs, err := s.repo.AppendAll(recipients, draft)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordMessageReceived(monitoring.SourceSMTP, len(msgs))
	for _, msg := range msgs {
		s.notify(msg)
	}
	return msgs, nil
}

// Stats 返回存储统计
func (s *InboxService) Stats() storage.Stats {
	return s.repo.Stats()
}

// notify 把通知任务交给协程池，队列满时丢弃
func (s *InboxService) notify(msg *domain.Message) {
	if s.pool == nil || (len(s.notifiers) == 0 && s.publisher == nil) {
		return
	}

	address := msg.To
	ok := s.pool.TrySubmit(func() {
		for _, n := range s.notifiers {
			n.NotifyNewMail(address, msg)
		}
		if s.publisher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := s.publisher.PublishNewMail(ctx, address, msg); err != nil {
				s.logger.Warn("failed to publish new mail event",
					zap.String("address", address),
					zap.Error(err),
				)
			}
		}
	})
	if !ok {
		s.metrics.RecordNotificationDropped()
		s.logger.Warn("notification queue full, dropping",
			zap.String("address", address),
			zap.String("messageID", msg.ID),
		)
	}
}

// randomLocalPart 生成 10 位 [a-z0-9] 的本地部分
func randomLocalPart() (string, error) {
	max := big.NewInt(int64(len(localPartAlphabet)))
	buf := make([]byte, localPartLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = localPartAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
