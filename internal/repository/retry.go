package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy は楽観的トランザクションの再試行方針。
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	// OnConflict は競合を検出するたびに試行回数を引数に呼ばれる。メトリクス記録用。
	OnConflict func(attempt int)
}

// DefaultRetryPolicy はデフォルトの再試行方針を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 10 * time.Millisecond,
	}
}

// run はattemptをErrConflictの間だけ指数バックオフで再試行する。
func (p RetryPolicy) run(ctx context.Context, attempt func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for i := 1; ; i++ {
		err := attempt(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if p.OnConflict != nil {
			p.OnConflict(i)
		}
		if i >= maxAttempts {
			return fmt.Errorf("transaction gave up after %d attempts: %w", i, err)
		}

		wait := p.backoff(i)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff はi回目の失敗後の待機時間（ジッター付き）を返す。
func (p RetryPolicy) backoff(i int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff << (i - 1)
	return d/2 + rand.N(d/2+1)
}
