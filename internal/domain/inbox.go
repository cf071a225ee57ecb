package domain

import "time"

// DefaultInboxLifetime 临时收件箱默认生存时间，创建后固定，不会延长。
const DefaultInboxLifetime = 15 * time.Minute

// Inbox 表示一个限时的临时收件箱。
//
// Messages 按接收时间倒序排列（最新的在前）。
type Inbox struct {
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Messages  []Message `json:"messages"`
}

// ExpiredAt 判断收件箱在给定时刻是否已过期。
func (i *Inbox) ExpiredAt(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Unread 返回未读邮件数量。
func (i *Inbox) Unread() int {
	n := 0
	for idx := range i.Messages {
		if !i.Messages[idx].IsRead {
			n++
		}
	}
	return n
}

// Clone 返回收件箱的深拷贝，调用方可以随意修改而不影响存储。
func (i *Inbox) Clone() *Inbox {
	cp := *i
	cp.Messages = make([]Message, len(i.Messages))
	copy(cp.Messages, i.Messages)
	return &cp
}
