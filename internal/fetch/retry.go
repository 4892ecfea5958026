package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sanaullah49/vidkit/internal/config"
)

// RetryPolicy 描述单个 GET 的重试预算：第 n 次重试前等待 BaseDelay*n，并限制在 [MinDelay, MaxDelay]。
// Timeout 约束单次尝试：playlist 文本的总耗时，或媒体正文两次成功读取之间的最长停顿；0 表示不限。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

// DefaultRetryPolicy 与配置默认值保持一致。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MinDelay:   500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Timeout:    defaultUpstreamTimeout,
	}
}

// PolicyFromConfig 根据全局配置构建重试策略。
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg == nil {
		return policy
	}
	policy.MaxRetries = cfg.Global.MaxRetries
	policy.Timeout = upstreamTimeout(cfg)
	if d := cfg.Global.InitialBackoff.DurationValue(); d > 0 {
		policy.BaseDelay = d
		policy.MinDelay = d
	}
	if d := cfg.Global.MaxBackoff.DurationValue(); d > 0 {
		policy.MaxDelay = d
	}
	return policy
}

// Delay 返回第 attempt 次重试前的等待时间（attempt 从 1 开始）。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// linearBackOff 实现 backoff.BackOff，按尝试次数线性增长。
type linearBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.policy.Delay(l.attempt)
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// retry 执行 op，遇到可重试错误时按策略等待后重试；op 返回 backoff.Permanent 包装的错误时立即结束。
func retry(ctx context.Context, policy RetryPolicy, logger *logrus.Logger, rawURL string, op func() error) error {
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{policy: policy}, uint64(maxRetries)),
		ctx,
	)

	attempt := 0
	notify := func(err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{
			"action":  "fetch_retry",
			"url":     rawURL,
			"attempt": attempt,
			"status":  StatusCode(err),
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("fetch_retry")
	}

	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, b, notify)
}
