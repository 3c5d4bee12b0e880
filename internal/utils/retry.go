package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backoff 指数退避参数
type Backoff struct {
	Retries    int           // 首次失败后的最大重试次数
	Initial    time.Duration // 第一次重试前的等待
	Max        time.Duration // 单次等待上限
	Multiplier float64       // 每次重试后等待时间的倍数，<=1 时按 1.5 处理
}

// next 返回 d 之后的下一次等待时间
func (b Backoff) next(d time.Duration) time.Duration {
	m := b.Multiplier
	if m <= 1 {
		m = 1.5
	}
	d = time.Duration(float64(d) * m)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Retry 执行 operation，失败时按 b 退避重试。ctx 结束时立即返回 ctx.Err()，
// 全部失败时返回的错误包装最后一次失败的原因。
func Retry(ctx context.Context, name string, b Backoff, operation func() error) error {
	err := operation()
	if err == nil {
		return nil
	}
	if b.Retries <= 0 {
		return fmt.Errorf("%s failed (no retries): %w", name, err)
	}

	wait := b.Initial
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for attempt := 1; attempt <= b.Retries; attempt++ {
		slog.Debug("waiting before retry", "operation", name, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err = operation(); err == nil {
			slog.Debug("operation succeeded after retry", "operation", name, "attempt", attempt)
			return nil
		}
		wait = b.next(wait)
		timer.Reset(wait)
	}

	slog.Error("operation failed after all retries", "operation", name, "retries", b.Retries, "error", err)
	return fmt.Errorf("%s failed after %d retries: %w", name, b.Retries, err)
}

// RetryWithBackoff 以 1.5 倍指数退避重试 operation，最多 maxRetries 次
func RetryWithBackoff(ctx context.Context, operationName string, maxRetries int, initialBackoff, maxBackoff time.Duration, operation func() error) error {
	return Retry(ctx, operationName, Backoff{
		Retries: maxRetries,
		Initial: initialBackoff,
		Max:     maxBackoff,
	}, operation)
}
