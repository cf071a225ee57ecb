package smtp

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempinbox/backend/internal/monitoring"
)

// ConnectionLimiter SMTP 连接限流器
//
// 同时限制并发会话数和每秒新建连接数。
type ConnectionLimiter struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - maxRate: 每秒最大新建连接数
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	if maxConns <= 0 {
		maxConns = 1
	}
	if maxRate <= 0 {
		maxRate = 1
	}
	return &ConnectionLimiter{
		slots:   make(chan struct{}, maxConns),
		limiter: rate.NewLimiter(rate.Limit(maxRate), maxRate),
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire() bool {
	select {
	case l.slots <- struct{}{}:
	default:
		return false
	}
	if !l.limiter.Allow() {
		<-l.slots
		return false
	}
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	return len(l.slots)
}

// limitedListener 在 Accept 时执行限流，被拒绝的连接收到 421 后关闭
type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

const busyReply = "421 4.7.0 Too many connections, try again later\r\n"

// LimitListener 用连接限流器包装 listener
func LimitListener(ln net.Listener, limiter *ConnectionLimiter, logger *zap.Logger, metrics *monitoring.Metrics) net.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &limitedListener{
		Listener: ln,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
	}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if !l.limiter.Acquire() {
			l.metrics.RecordRateLimitBlock("smtp_connection")
			l.metrics.RecordSMTPRejection("rate_limited")
			l.logger.Warn("smtp connection refused by limiter",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("current", l.limiter.Current()),
			)
			go refuse(conn)
			continue
		}

		l.metrics.AddSMTPConnections(1)
		return &limitedConn{Conn: conn, release: func() {
			l.limiter.Release()
			l.metrics.AddSMTPConnections(-1)
		}}, nil
	}
}

// refuse 回复 421 后关闭连接，在独立协程中执行，慢客户端不会阻塞 Accept
func refuse(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte(busyReply))
	_ = conn.Close()
}

type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
