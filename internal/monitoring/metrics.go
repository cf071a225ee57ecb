package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 邮件来源标签
const (
	SourceSMTP = "smtp"
	SourceAPI  = "api"
)

// Metrics 监控指标
//
// 所有指标注册在私有 Registry 上，便于测试中多次创建。
// 方法对 nil 接收者安全，未启用监控的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 收件箱指标
	InboxesProvisioned prometheus.Counter
	InboxesExpired     prometheus.Counter
	InboxesActive      prometheus.Gauge

	// 邮件指标
	MessagesReceived *prometheus.CounterVec
	MessagesRead     prometheus.Counter
	MessagesStored   prometheus.Gauge

	// SMTP 指标
	SMTPSessions        prometheus.Counter
	SMTPRejections      *prometheus.CounterVec
	SMTPConnectionsOpen prometheus.Gauge
	MessageSize         prometheus.Histogram
	ParseDuration       prometheus.Histogram

	// 通知与限流
	NotificationsDropped prometheus.Counter
	RateLimitBlocks      *prometheus.CounterVec
	PanicsTotal          prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempinbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempinbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		InboxesProvisioned: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempinbox_inboxes_provisioned_total",
			Help: "Total number of inboxes provisioned",
		}),
		InboxesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempinbox_inboxes_expired_total",
			Help: "Total number of expired inboxes removed by the sweeper",
		}),
		InboxesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempinbox_inboxes_active",
			Help: "Number of inboxes currently held in memory",
		}),

		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempinbox_messages_received_total",
				Help: "Total number of messages stored, by ingestion source",
			},
			[]string{"source"},
		),
		MessagesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempinbox_messages_read_total",
			Help: "Total number of mark-read operations that succeeded",
		}),
		MessagesStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempinbox_messages_stored",
			Help: "Number of messages currently held in memory",
		}),

		SMTPSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempinbox_smtp_sessions_total",
			Help: "Total number of SMTP sessions opened",
		}),
		SMTPRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempinbox_smtp_rejections_total",
				Help: "SMTP commands rejected, by reason",
			},
			[]string{"reason"},
		),
		SMTPConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempinbox_smtp_connections_open",
			Help: "Number of SMTP connections currently open",
		}),
		MessageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempinbox_smtp_message_size_bytes",
			Help:    "Size of accepted SMTP DATA payloads",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		}),
		ParseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempinbox_smtp_parse_duration_seconds",
			Help:    "Time spent parsing MIME payloads",
			Buckets: prometheus.DefBuckets,
		}),

		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempinbox_notifications_dropped_total",
			Help: "New-mail notifications dropped because the queue was full",
		}),
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempinbox_rate_limit_blocks_total",
				Help: "Requests or connections refused by a rate limiter",
			},
			[]string{"limit_type"},
		),
		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempinbox_panics_total",
			Help: "Total number of recovered panics",
		}),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordInboxProvisioned 记录收件箱创建
func (m *Metrics) RecordInboxProvisioned() {
	if m == nil {
		return
	}
	m.InboxesProvisioned.Inc()
}

// RecordInboxesExpired 记录清扫掉的过期收件箱
func (m *Metrics) RecordInboxesExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.InboxesExpired.Add(float64(count))
}

// UpdateStoreGauges 刷新存储规模
func (m *Metrics) UpdateStoreGauges(inboxes, messages int) {
	if m == nil {
		return
	}
	m.InboxesActive.Set(float64(inboxes))
	m.MessagesStored.Set(float64(messages))
}

// RecordMessageReceived 记录邮件入库
func (m *Metrics) RecordMessageReceived(source string, copies int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(source).Add(float64(copies))
}

// RecordMessageRead 记录标记已读
func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
}

// RecordSMTPSession 记录新的 SMTP 会话
func (m *Metrics) RecordSMTPSession() {
	if m == nil {
		return
	}
	m.SMTPSessions.Inc()
}

// RecordSMTPRejection 记录 SMTP 拒绝
func (m *Metrics) RecordSMTPRejection(reason string) {
	if m == nil {
		return
	}
	m.SMTPRejections.WithLabelValues(reason).Inc()
}

// AddSMTPConnections 调整当前连接数
func (m *Metrics) AddSMTPConnections(delta int) {
	if m == nil {
		return
	}
	m.SMTPConnectionsOpen.Add(float64(delta))
}

// RecordMessageParsed 记录邮件大小与解析耗时
func (m *Metrics) RecordMessageParsed(size int, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessageSize.Observe(float64(size))
	m.ParseDuration.Observe(duration.Seconds())
}

// RecordNotificationDropped 记录被丢弃的通知
func (m *Metrics) RecordNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// RecordPanic 记录恢复的 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus 抓取端点
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
