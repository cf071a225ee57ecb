package smtp

import (
	"errors"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

// UnknownSender 信封与头部都没有发件人时使用
const UnknownSender = "unknown@unknown.com"

// 拒绝原因，用作指标标签
const (
	reasonBadAddress   = "bad_address"
	reasonRelayDenied  = "relay_denied"
	reasonUnknownInbox = "unknown_inbox"
	reasonOversize     = "oversize"
	reasonLineTooLong  = "line_too_long"
	reasonMalformed    = "malformed"
	reasonInternal     = "internal"
)

// InboxDeliverer 是 SMTP 前端对收件箱服务的依赖
type InboxDeliverer interface {
	Get(address string) (*domain.Inbox, error)
	Deliver(recipients []string, draft domain.MessageDraft) ([]*domain.Message, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 服务器：
//   - 只接受发往配置域名、且收件箱仍然存在的地址
//   - 不实现 AuthSession，因此不会通告 AUTH
//   - 不对外发送或中继任何邮件
type Backend struct {
	inboxes         InboxDeliverer
	domain          string
	maxMessageBytes int64
	logger          *zap.Logger
	metrics         *monitoring.Metrics
}

// NewBackend 创建 SMTP Backend。
func NewBackend(inboxes InboxDeliverer, serveDomain string, maxMessageBytes int64, logger *zap.Logger, metrics *monitoring.Metrics) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		inboxes:         inboxes,
		domain:          strings.ToLower(serveDomain),
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		metrics:         metrics,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	b.metrics.RecordSMTPSession()

	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &session{
		backend: b,
		logger:  b.logger.With(zap.String("remote", remote)),
	}, nil
}

type session struct {
	backend    *Backend
	logger     *zap.Logger
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令，发件人无条件接受，只作为 from 的首选来源。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = domain.NormalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 在读取 DATA 之前完成校验：地址格式、域名、收件箱存在性。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)

	_, rcptDomain, err := domain.SplitAddress(addr)
	if err != nil {
		return s.reject(reasonBadAddress, addr, &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		})
	}

	if rcptDomain != s.backend.domain {
		return s.reject(reasonRelayDenied, addr, &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		})
	}

	if _, err := s.backend.inboxes.Get(addr); err != nil {
		return s.reject(reasonUnknownInbox, addr, errUnknownInbox)
	}

	for _, existing := range s.recipients {
		if existing == addr {
			return nil
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容：缓冲、解析，然后一次性投递给全部收件人。
func (s *session) Data(r io.Reader) error {
	limit := s.backend.maxMessageBytes
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		// 超长行之后 go-smtp 会在回复后关闭连接
		if errors.Is(err, gosmtp.ErrTooLongLine) {
			return s.reject(reasonLineTooLong, "", errLineTooLong)
		}
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			if smtpErr.Code == gosmtp.ErrDataTooLarge.Code {
				return s.reject(reasonOversize, "", errTooLarge)
			}
			return smtpErr
		}
		s.logger.Warn("failed to read message data", zap.Error(err))
		return err
	}
	if int64(len(raw)) > limit {
		return s.reject(reasonOversize, "", errTooLarge)
	}

	start := time.Now()
	parsed, err := ParseEmail(raw)
	if err != nil {
		s.logger.Warn("failed to parse message", zap.Error(err))
		return s.reject(reasonMalformed, "", &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "malformed message content",
		})
	}
	s.backend.metrics.RecordMessageParsed(len(raw), time.Since(start))

	from := s.from
	if from == "" {
		from = parsed.From
	}
	if from == "" {
		from = UnknownSender
	}

	draft := domain.MessageDraft{
		From:     from,
		FromName: parsed.FromName,
		Subject:  parsed.Subject,
		Body:     parsed.Text,
		HTML:     parsed.HTML,
	}

	msgs, err := s.backend.inboxes.Deliver(s.recipients, draft)
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			return s.reject(reasonUnknownInbox, strings.Join(s.recipients, ","), errUnknownInbox)
		}
		s.logger.Error("failed to store message", zap.Error(err))
		return s.reject(reasonInternal, "", &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure storing message, try again later",
		})
	}

	s.logger.Info("message accepted",
		zap.String("from", from),
		zap.Strings("to", s.recipients),
		zap.String("subject", parsed.Subject),
		zap.Int("size", len(raw)),
		zap.Int("copies", len(msgs)),
	)
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.logger.Debug("session closed")
	s.Reset()
	return nil
}

func (s *session) reject(reason, addr string, err *gosmtp.SMTPError) error {
	s.backend.metrics.RecordSMTPRejection(reason)
	fields := []zap.Field{zap.String("reason", reason), zap.Int("code", err.Code)}
	if addr != "" {
		fields = append(fields, zap.String("address", addr))
	}
	s.logger.Info("smtp command rejected", fields...)
	return err
}

var (
	errUnknownInbox = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "recipient mailbox not found",
	}
	errTooLarge = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "maximum message size exceeded",
	}
	errLineTooLong = &gosmtp.SMTPError{
		Code:         500,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 2},
		Message:      "line too long",
	}
)
