package moltbook

import (
	"sync"
	"time"
)

// limiter 是进程内的固定窗口限流器，整个进程对 Moltbook 共享一份配额。
type limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// 对外抓取配额：每 60 秒最多 10 次请求。
const (
	limiterRate   = 10
	limiterWindow = 60 * time.Second
)

func newLimiter(rate int, window time.Duration) *limiter {
	if rate <= 0 {
		rate = limiterRate
	}
	if window <= 0 {
		window = limiterWindow
	}
	return &limiter{rate: rate, window: window, windowStart: time.Now()}
}

// allow 在当前窗口仍有配额时返回 true。
func (l *limiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}
