package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

// Store 使用内存保存收件箱与邮件数据，进程重启后全部丢失。
//
// 整个映射由一把互斥锁保护；锁内只做内存操作，不做任何 I/O。
// 过期有两条独立的保障：
//   - 惰性检查：Lookup/Append/MarkRead 遇到过期收件箱时立即删除，读者永远看不到过期数据
//   - 定期清扫：SweepExpired 回收从未再被访问的过期收件箱，限制内存占用
type Store struct {
	mu        sync.Mutex
	inboxes   map[string]*domain.Inbox // address -> inbox
	byMessage map[string]string        // messageID -> address

	now   func() time.Time
	newID func() string
}

// Option 配置 Store。
type Option func(*Store)

// WithClock 替换时间来源，测试中用于模拟过期。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator 替换邮件 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// NewStore 创建一个内存存储实例。
func NewStore(opts ...Option) *Store {
	s := &Store{
		inboxes:   make(map[string]*domain.Inbox),
		byMessage: make(map[string]string),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.InboxRepository = (*Store)(nil)

// Provision 创建收件箱，已存在的同名收件箱（连同其邮件）会被替换。
func (s *Store) Provision(address string, expiresAt time.Time) (*domain.Inbox, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return nil, storage.ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteInboxLocked(address)

	inbox := &domain.Inbox{
		Address:   address,
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
		Messages:  []domain.Message{},
	}
	s.inboxes[address] = inbox
	return inbox.Clone(), nil
}

// Lookup 返回未过期收件箱的快照；过期的收件箱会在此被删除。
func (s *Store) Lookup(address string) (*domain.Inbox, error) {
	address = domain.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	inbox, err := s.liveInboxLocked(address)
	if err != nil {
		return nil, err
	}
	return inbox.Clone(), nil
}

// Append 向收件箱头部插入一封新邮件。收件箱不存在或已过期时返回 ErrInboxNotFound，绝不隐式创建。
func (s *Store) Append(address string, draft domain.MessageDraft) (*domain.Message, error) {
	msgs, err := s.AppendAll([]string{address}, draft)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// AppendAll 把同一封邮件投递到多个收件箱。
//
// 先检查全部收件箱，再统一写入：任意一个收件箱不可用时不写入任何副本。
func (s *Store) AppendAll(addresses []string, draft domain.MessageDraft) ([]*domain.Message, error) {
	if len(addresses) == 0 {
		return nil, storage.ErrInvalidAddress
	}

	normalized := make([]string, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		addr = domain.NormalizeAddress(addr)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		normalized = append(normalized, addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]*domain.Inbox, 0, len(normalized))
	for _, addr := range normalized {
		inbox, err := s.liveInboxLocked(addr)
		if err != nil {
			return nil, err
		}
		targets = append(targets, inbox)
	}

	receivedAt := s.now().UTC()
	result := make([]*domain.Message, 0, len(targets))
	for _, inbox := range targets {
		msg := domain.Message{
			ID:         s.newID(),
			From:       draft.From,
			FromName:   draft.FromName,
			To:         inbox.Address,
			Subject:    draft.Subject,
			Body:       draft.Body,
			HTML:       draft.HTML,
			ReceivedAt: receivedAt,
			IsRead:     false,
		}
		inbox.Messages = append([]domain.Message{msg}, inbox.Messages...)
		s.byMessage[msg.ID] = inbox.Address

		stored := msg
		result = append(result, &stored)
	}
	return result, nil
}

// MarkRead 将邮件标记为已读，重复调用是幂等的。
func (s *Store) MarkRead(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	address, ok := s.byMessage[messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	inbox, err := s.liveInboxLocked(address)
	if err != nil {
		return storage.ErrMessageNotFound
	}
	for i := range inbox.Messages {
		if inbox.Messages[i].ID == messageID {
			inbox.Messages[i].IsRead = true
			return nil
		}
	}
	return storage.ErrMessageNotFound
}

// SweepExpired 删除所有过期的收件箱，返回删除数量。
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for address, inbox := range s.inboxes {
		if inbox.ExpiredAt(now) {
			s.deleteInboxLocked(address)
			count++
		}
	}
	return count
}

// Stats 返回当前收件箱与邮件数量（包含尚未被清扫的过期收件箱）。
func (s *Store) Stats() storage.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return storage.Stats{
		Inboxes:  len(s.inboxes),
		Messages: len(s.byMessage),
	}
}

// liveInboxLocked 返回未过期的收件箱，过期的顺带删除。调用方必须持有锁。
func (s *Store) liveInboxLocked(address string) (*domain.Inbox, error) {
	inbox, ok := s.inboxes[address]
	if !ok {
		return nil, storage.ErrInboxNotFound
	}
	if inbox.ExpiredAt(s.now()) {
		s.deleteInboxLocked(address)
		return nil, storage.ErrInboxNotFound
	}
	return inbox, nil
}

func (s *Store) deleteInboxLocked(address string) {
	inbox, ok := s.inboxes[address]
	if !ok {
		return
	}
	for i := range inbox.Messages {
		delete(s.byMessage, inbox.Messages[i].ID)
	}
	delete(s.inboxes, address)
}
