package escrow

import (
	"fmt"
	"sync"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 5 * time.Minute
)

// CircuitBreaker 保护托管资金划转：连续 5 次失败后开闸，
// 拒绝所有托管变更，开闸 5 分钟后自动复位。计数是进程级共享的，
// 不按 gig 区分，雪崩式重试不会穿透到支付后端。
type CircuitBreaker struct {
	mu         sync.Mutex
	failures   int
	openedAt   time.Time
	threshold  int
	resetAfter time.Duration
	now        func() time.Time
}

// NewCircuitBreaker 创建熔断器。threshold <= 0 或 resetAfter <= 0
// 时使用默认的 5 次 / 5 分钟。
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if resetAfter <= 0 {
		resetAfter = defaultBreakerReset
	}
	return &CircuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Allow 判断当前是否允许托管变更。开闸且未到复位时刻时返回
// CIRCUIT_OPEN，复位时刻一到自动闭合并清零计数。
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.resetAfter {
		b.openedAt = time.Time{}
		b.failures = 0
		return nil
	}
	remaining := b.resetAfter - b.now().Sub(b.openedAt)
	return xerrors.New(xerrors.CodeCircuitOpen,
		fmt.Sprintf("托管资金划转暂停中，%.0f 秒后自动恢复", remaining.Seconds()),
		xerrors.WithState("open"),
		xerrors.WithMetadata("retry_after_seconds", fmt.Sprintf("%.0f", remaining.Seconds())))
}

// RecordSuccess 在一次成功划转后清零失败计数。
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure 记录一次划转失败，返回本次是否触发开闸。
// 已开闸时不重复开闸。
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openedAt.IsZero() {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
		return true
	}
	return false
}

// Open 报告当前是否处于开闸状态（不触发自动复位）。
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openedAt.IsZero()
}
