package smtp

import (
	"context"
	"errors"
	"net"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/monitoring"
)

// Server 组合 go-smtp 服务器、端口回退与连接限流
type Server struct {
	srv     *gosmtp.Server
	cfg     config.SMTPConfig
	logger  *zap.Logger
	metrics *monitoring.Metrics
	ln      net.Listener
}

// NewServer 创建 SMTP 服务器，尚未绑定端口
func NewServer(cfg config.SMTPConfig, inboxes InboxDeliverer, serveDomain string, logger *zap.Logger, metrics *monitoring.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("smtp")

	backend := NewBackend(inboxes, serveDomain, cfg.MaxMessageBytes, logger, metrics)

	srv := gosmtp.NewServer(backend)
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	if cfg.MaxLineLength > 0 {
		srv.MaxLineLength = cfg.MaxLineLength
	}
	srv.ErrorLog = zap.NewStdLog(logger)

	return &Server{
		srv:     srv,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Listen 绑定监听端口，失败即返回错误
func (s *Server) Listen() error {
	ln, err := Listen(s.cfg.Host, s.cfg.Port, s.cfg.FallbackPort, s.logger)
	if err != nil {
		return err
	}
	limiter := NewConnectionLimiter(s.cfg.MaxConnections, s.cfg.ConnectionRate)
	s.ln = LimitListener(ln, limiter, s.logger, s.metrics)
	s.srv.Addr = ln.Addr().String()
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve 阻塞处理连接，Shutdown 后返回 nil
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("smtp server listening",
		zap.String("address", s.Addr()),
		zap.String("hostname", s.cfg.Hostname),
	)
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接收新连接并等待现有会话结束
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if s.ln != nil {
		// Serve 尚未登记 listener 时也要让 Accept 返回
		_ = s.ln.Close()
	}
	return err
}
