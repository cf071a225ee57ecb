package cache

import (
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期，访问时顺延（滑动过期）
// - 后台定期清理过期条目，Stop 后退出
//
// 目前用于按客户端 IP 保存限流器。
type LocalCache struct {
	data    sync.Map
	createM sync.Mutex
	ttl     time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - ttl: 条目闲置多久后过期
//   - cleanupInterval: 清理周期，<=0 时不启动后台清理
func NewLocalCache(ttl, cleanupInterval time.Duration) *LocalCache {
	c := &LocalCache{
		ttl:  ttl,
		done: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}

	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (any, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 设置缓存值
func (c *LocalCache) Set(key string, value any) {
	c.data.Store(key, &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// GetOrCreate 返回 key 对应的值，不存在时用 create 创建
//
// 命中时会顺延过期时间。并发调用对同一个 key 只会创建一次。
func (c *LocalCache) GetOrCreate(key string, create func() any) any {
	if val, ok := c.Get(key); ok {
		c.Set(key, val)
		return val
	}

	c.createM.Lock()
	defer c.createM.Unlock()

	if val, ok := c.Get(key); ok {
		return val
	}
	val := create()
	c.Set(key, val)
	return val
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	c.data.Delete(key)
}

// Len 返回当前条目数（包含尚未清理的过期条目）
func (c *LocalCache) Len() int {
	n := 0
	c.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stop 停止后台清理
func (c *LocalCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

func (c *LocalCache) purgeExpired() {
	now := time.Now()
	c.data.Range(func(key, value any) bool {
		entry := value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.data.Delete(key)
		}
		return true
	})
}
