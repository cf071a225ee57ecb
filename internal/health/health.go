package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"tempinbox/backend/internal/storage"
)

const (
	maxGoroutines = 10000
	storeTimeout  = 2 * time.Second
	dialTimeout   = time.Second
	pingTimeout   = 2 * time.Second
)

// StatsSource 提供存储统计，同时用来确认存储锁没有被长期占用
type StatsSource interface {
	Stats() storage.Stats
}

// Pinger 可探测连通性的外部依赖，例如 Redis 发布器
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// 存活检查只关心进程本身（协程数、存储是否响应）；就绪检查额外探测 SMTP 监听端口和可选的 Redis。
type HealthChecker struct {
	health healthcheck.Handler
	stats  StatsSource
	logger *zap.Logger

	mu     sync.Mutex
	checks map[string]healthcheck.Check
	start  time.Time
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(stats StatsSource, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		stats:  stats,
		logger: logger.Named("health"),
		checks: make(map[string]healthcheck.Check),
		start:  time.Now(),
	}

	hc.addLiveness("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	hc.addLiveness("store", healthcheck.Timeout(func() error {
		hc.stats.Stats()
		return nil
	}, storeTimeout))

	return hc
}

// AddSMTPCheck 就绪检查：SMTP 端口可以建立 TCP 连接
func (hc *HealthChecker) AddSMTPCheck(addr string) {
	hc.addReadiness("smtp", healthcheck.TCPDialCheck(dialAddr(addr), dialTimeout))
}

// AddRedisCheck 就绪检查：Redis 可以 PING 通
func (hc *HealthChecker) AddRedisCheck(p Pinger) {
	hc.addReadiness("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return p.Ping(ctx)
	})
}

func (hc *HealthChecker) addLiveness(name string, check healthcheck.Check) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
	hc.health.AddLivenessCheck(name, check)
}

func (hc *HealthChecker) addReadiness(name string, check healthcheck.Check) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
	hc.health.AddReadinessCheck(name, check)
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针（包含存活检查）
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// Report /health 的汇总结果
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Inboxes   int               `json:"inboxes"`
	Messages  int               `json:"messages"`
	Uptime    string            `json:"uptime"`
	Timestamp string            `json:"timestamp"`
}

// CheckHealth 执行全部检查并汇总
func (hc *HealthChecker) CheckHealth() Report {
	hc.mu.Lock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]healthcheck.Check, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.Unlock()
	sort.Strings(names)

	report := Report{
		Status: "ok",
		Checks: make(map[string]string, len(names)),
	}
	for _, name := range names {
		if err := checks[name](); err != nil {
			report.Status = "degraded"
			report.Checks[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = "OK"
	}

	stats := hc.stats.Stats()
	report.Inboxes = stats.Inboxes
	report.Messages = stats.Messages
	report.Uptime = time.Since(hc.start).Round(time.Second).String()
	report.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return report
}

// dialAddr 把通配监听地址换成回环地址，便于本机探测
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
