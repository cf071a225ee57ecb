package storage

import (
	"context"
	"errors"
	"time"

	"tempinbox/backend/internal/domain"
)

var (
	// ErrInboxNotFound 收件箱不存在或已过期
	ErrInboxNotFound = errors.New("inbox not found")
	// ErrMessageNotFound 邮件不存在（或所属收件箱已过期）
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidAddress 地址为空或格式错误
	ErrInvalidAddress = errors.New("invalid inbox address")
)

// Stats 存储的瞬时统计。
type Stats struct {
	Inboxes  int
	Messages int
}

// InboxRepository 定义收件箱与邮件的存取操作。
//
// 所有实现必须保证：
//   - 过期的收件箱不会被任何读路径返回（Lookup/Append/MarkRead 惰性删除）
//   - 单个操作对同一地址是线性一致的
//   - 返回值是快照，调用方修改不会影响存储
type InboxRepository interface {
	Provision(address string, expiresAt time.Time) (*domain.Inbox, error)
	Lookup(address string) (*domain.Inbox, error)
	Append(address string, draft domain.MessageDraft) (*domain.Message, error)
	AppendAll(addresses []string, draft domain.MessageDraft) ([]*domain.Message, error)
	MarkRead(messageID string) error
	SweepExpired() int
	Stats() Stats
}

// EventPublisher 定义新邮件事件的对外发布操作。
type EventPublisher interface {
	PublishNewMail(ctx context.Context, address string, message *domain.Message) error
	Close() error
}
