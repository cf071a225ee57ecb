package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// DefaultSubject 邮件没有主题时使用
const DefaultSubject = "(no subject)"

// ErrMalformedMessage 表示邮件无法按 MIME 解析
var ErrMalformedMessage = errors.New("malformed message")

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject  string
	From     string // 头部 From 中的地址
	FromName string // 头部 From 中的显示名
	Text     string // 第一个 text/plain 部分
	HTML     string // 第一个 text/html 部分
}

// ParseEmail 解析邮件，提取主题、发件人、文本和 HTML，附件直接跳过。
//
// 未知字符集不视为错误，对应部分按原始字节返回。
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	defer mr.Close()

	parsed := &ParsedEmail{}

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}
	parsed.Subject = strings.TrimSpace(subject)
	if parsed.Subject == "" {
		parsed.Subject = DefaultSubject
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = strings.ToLower(from[0].Address)
		parsed.FromName = from[0].Name
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// 附件
			continue
		}

		mediaType, _, err := h.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		switch {
		case mediaType == "text/plain" && parsed.Text == "":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: read text part: %v", ErrMalformedMessage, err)
			}
			parsed.Text = string(body)
		case mediaType == "text/html" && parsed.HTML == "":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: read html part: %v", ErrMalformedMessage, err)
			}
			parsed.HTML = string(body)
		}
	}

	return parsed, nil
}
