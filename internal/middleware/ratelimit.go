package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/monitoring"
)

// RateLimitConfig 按 IP 限流的参数
type RateLimitConfig struct {
	Name    string        // 指标标签，例如 "generate"
	Limit   int           // 每个窗口允许的请求数
	Window  time.Duration // 窗口长度
	Burst   int           // 突发上限
	Cache   *cache.LocalCache
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// RateLimitByIP 基于令牌桶的按 IP 限流中间件
//
// 每个客户端 IP 一个 rate.Limiter，存放在带 TTL 的本地缓存中，闲置的限流器自动回收。
func RateLimitByIP(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewLocalCache(2*cfg.Window, cfg.Window)
	}

	every := rate.Every(cfg.Window / time.Duration(cfg.Limit))
	limitHeader := strconv.Itoa(cfg.Limit)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := cfg.Cache.GetOrCreate(cfg.Name+":"+ip, func() any {
			return rate.NewLimiter(every, cfg.Burst)
		}).(*rate.Limiter)

		reservation := limiter.Reserve()
		delay := reservation.Delay()
		c.Header("X-RateLimit-Limit", limitHeader)

		if delay > 0 {
			reservation.Cancel()
			retryAfter := int(math.Ceil(delay.Seconds()))

			cfg.Metrics.RecordRateLimitBlock(cfg.Name)
			cfg.Logger.Warn("rate limit exceeded",
				zap.String("limit", cfg.Name),
				zap.String("ip", ip),
				zap.Duration("retry_after", delay),
			)

			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests, please retry later",
			})
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		c.Next()
	}
}
