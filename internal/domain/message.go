package domain

import "time"

// Message 表示投递到临时收件箱的一封邮件。
//
// 除 IsRead 外，邮件写入后不再变化。
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	FromName   string    `json:"fromName,omitempty"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	HTML       string    `json:"html,omitempty"` // 原样保存，不做清洗
	ReceivedAt time.Time `json:"receivedAt"`
	IsRead     bool      `json:"isRead"`
}

// MessageDraft 是写入邮件时由调用方提供的字段。
// ID、To、ReceivedAt、IsRead 由存储层填充。
type MessageDraft struct {
	From     string
	FromName string
	Subject  string
	Body     string
	HTML     string
}

// Preview 返回正文前 n 个字符，用于推送通知。
func (m *Message) Preview(n int) string {
	r := []rune(m.Body)
	if len(r) <= n {
		return m.Body
	}
	return string(r[:n])
}
