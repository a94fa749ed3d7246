package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// Call はゲートの許可を得て fn を実行する
// レート制限エラーはバックオフを適用した上で MaxRetries 回まで透過的に再試行する
func Call[T any](ctx context.Context, g *Gate, class EndpointClass, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		permit, err := g.Acquire(ctx, class)
		if err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			permit.Release()
			return result, nil
		}
		if !domain.IsRateLimited(err) {
			permit.Release()
			return zero, err
		}

		lastErr = err
		permit.RateLimited(domain.RetryAfter(err))
		g.logger.Debug("レート制限のため再試行します",
			zap.Stringer("class", class),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", g.cfg.MaxRetries),
		)
	}

	return zero, lastErr
}

// Do は戻り値のない呼び出し用の Call
func Do(ctx context.Context, g *Gate, class EndpointClass, fn func(context.Context) error) error {
	_, err := Call(ctx, g, class, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
