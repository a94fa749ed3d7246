// Package gate はSlack APIへの全リクエストが通過するレート制限ゲートを提供する。
//
// 同時実行数を許可数で制限し、エンドポイント種別ごとに最小間隔を空ける。
// レート制限を受けた場合のバックオフ状態はゲート全体で共有され、
// 待機中のすべての呼び出し元が同じ期限まで待つ。
package gate

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slackcore_gate_inflight_requests",
		Help: "ゲートの許可を保持している実行中リクエスト数",
	})
	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slackcore_gate_rate_limited_total",
		Help: "レート制限を受けた回数",
	}, []string{"class"})
	acquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slackcore_gate_acquire_wait_seconds",
		Help:    "許可を得るまでの待ち時間",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})
)

// EndpointClass はリクエスト間隔を管理するエンドポイントの種別
type EndpointClass int

const (
	ClassDefault EndpointClass = iota
	ClassSearch
	ClassHistory
	ClassDirectMessage
	ClassReactions
	ClassUsers
)

func (c EndpointClass) String() string {
	switch c {
	case ClassSearch:
		return "search"
	case ClassHistory:
		return "history"
	case ClassDirectMessage:
		return "direct_message"
	case ClassReactions:
		return "reactions"
	case ClassUsers:
		return "users"
	default:
		return "default"
	}
}

var allClasses = []EndpointClass{
	ClassDefault, ClassSearch, ClassHistory, ClassDirectMessage, ClassReactions, ClassUsers,
}

// Config はゲートの設定
type Config struct {
	MaxConcurrent int           // 同時に保持できる許可の最大数
	MinSpacing    time.Duration // 同じ種別のリクエスト間の最小間隔（0なら制限なし）
	// DirectMessageSpacingFactor はDM系エンドポイントの間隔の倍率
	DirectMessageSpacingFactor float64
	BaseBackoff                time.Duration
	MaxBackoff                 time.Duration
	Multiplier                 float64
	MaxRetries                 int // レート制限時の再試行回数
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:              30,
		MinSpacing:                 20 * time.Millisecond,
		DirectMessageSpacingFactor: 2,
		BaseBackoff:                time.Second,
		MaxBackoff:                 time.Minute,
		Multiplier:                 2,
		MaxRetries:                 5,
	}
}

// Gate はリクエストの同時実行数と間隔を制御する
type Gate struct {
	cfg      Config
	sem      *semaphore.Weighted
	limiters map[EndpointClass]*rate.Limiter
	logger   *zap.Logger

	mu           sync.Mutex
	backoffUntil time.Time
	backoffStep  int
}

// New は新しいGateを作成する
func New(cfg Config, logger *zap.Logger) *Gate {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DirectMessageSpacingFactor <= 0 {
		cfg.DirectMessageSpacingFactor = def.DirectMessageSpacingFactor
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiters := make(map[EndpointClass]*rate.Limiter, len(allClasses))
	for _, class := range allClasses {
		spacing := cfg.MinSpacing
		if class == ClassDirectMessage {
			spacing = time.Duration(float64(spacing) * cfg.DirectMessageSpacingFactor)
		}
		limit := rate.Inf
		if spacing > 0 {
			limit = rate.Every(spacing)
		}
		limiters[class] = rate.NewLimiter(limit, 1)
	}

	return &Gate{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiters: limiters,
		logger:   logger.With(zap.String("component", "gate")),
	}
}

// Permit はゲートの許可。Release または RateLimited で必ず返却する
type Permit struct {
	gate     *Gate
	class    EndpointClass
	released atomic.Bool
}

// Class は許可のエンドポイント種別を返す
func (p *Permit) Class() EndpointClass {
	return p.class
}

// Release は許可を返却する。バックオフ明けの完了ならバックオフ段階をリセットする
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.gate.resetBackoff()
	p.gate.release()
}

// RateLimited はレート制限を受けたことを報告して許可を返却する
// retryAfter はサーバー指定の待機時間（不明なら0）
func (p *Permit) RateLimited(retryAfter time.Duration) {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	rateLimitedTotal.WithLabelValues(p.class.String()).Inc()
	d := p.gate.applyBackoff(retryAfter)
	p.gate.logger.Warn("レート制限を受けたためバックオフします",
		zap.Stringer("class", p.class),
		zap.Duration("backoff", d),
		zap.Duration("retry_after", retryAfter),
	)
	p.gate.release()
}

// Acquire は許可を取得する。取得できるまで呼び出し元のみをブロックする
func (g *Gate) Acquire(ctx context.Context, class EndpointClass) (*Permit, error) {
	start := time.Now()
	for {
		if err := g.waitBackoff(ctx); err != nil {
			return nil, err
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		// 許可待ちの間にバックオフが始まった場合は返却して待ち直す
		if g.BackoffRemaining() > 0 {
			g.sem.Release(1)
			continue
		}
		if err := g.limiter(class).Wait(ctx); err != nil {
			g.sem.Release(1)
			return nil, err
		}
		break
	}

	inflightRequests.Inc()
	acquireWaitSeconds.WithLabelValues(class.String()).Observe(time.Since(start).Seconds())
	return &Permit{gate: g, class: class}, nil
}

// BackoffRemaining は現在のバックオフの残り時間を返す
func (g *Gate) BackoffRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Until(g.backoffUntil)
}

func (g *Gate) limiter(class EndpointClass) *rate.Limiter {
	if l, ok := g.limiters[class]; ok {
		return l
	}
	return g.limiters[ClassDefault]
}

func (g *Gate) release() {
	inflightRequests.Dec()
	g.sem.Release(1)
}

// waitBackoff はバックオフ期限まで待つ
// 期限直後に全員が同時に再開しないよう、待ち時間にジッターを加える
func (g *Gate) waitBackoff(ctx context.Context) error {
	for {
		remaining := g.BackoffRemaining()
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining + jitter(remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Gate) applyBackoff(retryAfter time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.backoffStep++
	d := g.backoffFor(g.backoffStep)
	if retryAfter > d {
		d = retryAfter
	}
	if until := time.Now().Add(d); until.After(g.backoffUntil) {
		g.backoffUntil = until
	}
	return d
}

// resetBackoff はバックオフが明けていれば段階を戻す
// バックオフ中に完了したリクエストはバックオフ前に発行されたものなのでリセットしない
func (g *Gate) resetBackoff() {
	g.mu.Lock()
	if !time.Now().Before(g.backoffUntil) {
		g.backoffStep = 0
	}
	g.mu.Unlock()
}

// backoffFor は段階 step（1始まり）のバックオフ時間を返す
func (g *Gate) backoffFor(step int) time.Duration {
	if step < 1 {
		return 0
	}
	d := float64(g.cfg.BaseBackoff) * math.Pow(g.cfg.Multiplier, float64(step-1))
	if d > float64(g.cfg.MaxBackoff) {
		return g.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// jitter は待ち時間の最大10%のランダムな追加時間を返す
func jitter(d time.Duration) time.Duration {
	n := int64(d / 10)
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(n))
}
