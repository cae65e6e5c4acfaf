package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/metrics"
)

// RetryPolicy 瞬时失败的有界重试
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy 默认 3 次，初始退避 500ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: 500 * time.Millisecond}
}

// Do 执行 fn；仅对瞬时网关错误重试，退避逐次加倍。
// 重试耗尽后返回最后一次错误，调用方据此跳过本轮评估。
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := p.Backoff
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetries.Add(1)
			logrus.WithField("component", "gateway").
				Warnf("%s 瞬时失败，第 %d/%d 次重试（退避 %v）: %v",
					op, attempt, p.MaxRetries, backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, domain.ErrGatewayUnavailable) {
			// 非瞬时错误不重试
			return lastErr
		}
	}
	return errors.Wrapf(lastErr, "%s 重试 %d 次后仍失败", op, p.MaxRetries)
}
