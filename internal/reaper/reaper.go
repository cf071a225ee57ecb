package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

// Sweeper 是 Reaper 对存储的最小依赖
type Sweeper interface {
	SweepExpired() int
	Stats() storage.Stats
}

// Reaper 按固定周期清扫过期收件箱
//
// 惰性过期保证读者看不到过期数据，Reaper 负责回收再也没人访问的收件箱。
type Reaper struct {
	store    Sweeper
	interval time.Duration
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// New 创建 Reaper，interval <= 0 时使用 60 秒
func New(store Sweeper, interval time.Duration, logger *zap.Logger, metrics *monitoring.Metrics) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger.Named("reaper"),
		metrics:  metrics,
	}
}

// Run 阻塞运行直到 ctx 结束，总是返回 nil
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("expiry reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reaper stopped")
			return nil
		case <-ticker.C:
			r.SweepOnce()
		}
	}
}

// SweepOnce 执行一次清扫，返回删除的收件箱数量
func (r *Reaper) SweepOnce() int {
	removed := r.store.SweepExpired()
	stats := r.store.Stats()

	r.metrics.RecordInboxesExpired(removed)
	r.metrics.UpdateStoreGauges(stats.Inboxes, stats.Messages)

	if removed > 0 {
		r.logger.Info("expired inboxes removed",
			zap.Int("removed", removed),
			zap.Int("remaining", stats.Inboxes),
		)
	} else {
		r.logger.Debug("sweep found nothing to remove", zap.Int("inboxes", stats.Inboxes))
	}
	return removed
}
