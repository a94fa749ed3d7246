package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
)

// ReactionOptions はリアクションのバックグラウンド取得の設定
type ReactionOptions struct {
	BatchSize            int
	MaxConcurrentBatches int
}

// DefaultReactionOptions はデフォルト設定を返す
func DefaultReactionOptions() ReactionOptions {
	return ReactionOptions{
		BatchSize:            50,
		MaxConcurrentBatches: 4,
	}
}

// ReactionsUpdated は検索結果の1メッセージのリアクションが取得できたことを表すイベント
// Index は検索結果内の位置。Timestamp と合わせて更新対象を確認できる
type ReactionsUpdated struct {
	Token     domain.QueryToken
	Index     int
	ChannelID string
	Timestamp string
	Reactions []domain.Reaction
}

// ReactionPipeline はリアクションをバッチに分けてバックグラウンドで取得する
type ReactionPipeline struct {
	messages domain.MessageRepository
	gate     *gate.Gate
	cache    *cache.Cache[[]domain.Reaction]
	opts     ReactionOptions
	// current はトークンが最新の検索のものかどうかを返す
	current func(domain.QueryToken) bool
	// emit はイベントを購読者に配信する
	emit   func(ReactionsUpdated)
	logger *zap.Logger
}

// NewReactionPipeline は新しいReactionPipelineを作成する
func NewReactionPipeline(messages domain.MessageRepository, g *gate.Gate, caches *cache.Service, opts ReactionOptions, current func(domain.QueryToken) bool, emit func(ReactionsUpdated), logger *zap.Logger) *ReactionPipeline {
	def := DefaultReactionOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxConcurrentBatches <= 0 {
		opts.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReactionPipeline{
		messages: messages,
		gate:     g,
		cache:    caches.Reactions,
		opts:     opts,
		current:  current,
		emit:     emit,
		logger:   logger.With(zap.String("component", "reactions")),
	}
}

// Handle はバックグラウンド取得の操作ハンドル
type Handle struct {
	token   domain.QueryToken
	batches int
	cancel  context.CancelFunc
	done    chan struct{}
}

// Token は取得対象の検索トークンを返す
func (h *Handle) Token() domain.QueryToken {
	return h.token
}

// Batches は発行したバッチ数を返す
func (h *Handle) Batches() int {
	return h.batches
}

// Cancel は取得を中止する。発行済みのリクエストは完了させるが、結果は配信しない
func (h *Handle) Cancel() {
	h.cancel()
}

// Done は取得が終わると閉じるチャネルを返す
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait は取得が終わるまで待つ
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start はリアクション未取得のメッセージについてバックグラウンド取得を開始する
// キャッシュ済みのものは通信せずにその場で配信する。force ならキャッシュを使わずすべて取得し直す
func (p *ReactionPipeline) Start(token domain.QueryToken, messages []domain.Message, force bool) *Handle {
	ctx, cancel := context.WithCancel(context.Background())

	var pending []domain.ReactionBatchRequest
	for i := range messages {
		if messages[i].ReactionsLoaded() {
			continue
		}
		req := domain.ReactionBatchRequest{
			ChannelID: messages[i].ChannelID,
			Timestamp: messages[i].Timestamp,
			Index:     i,
		}
		if !force {
			if reactions, ok := p.cache.Get(req.Key().String()); ok {
				p.deliver(token, req, reactions)
				continue
			}
		}
		pending = append(pending, req)
	}

	batches := splitBatches(pending, p.opts.BatchSize)
	h := &Handle{
		token:   token,
		batches: len(batches),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		p.run(ctx, token, batches, force)
	}()
	return h
}

func (p *ReactionPipeline) run(ctx context.Context, token domain.QueryToken, batches [][]domain.ReactionBatchRequest, force bool) {
	if len(batches) == 0 {
		return
	}

	var fetched, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrentBatches)
	for _, batch := range batches {
		g.Go(func() error {
			// バッチの境界で検索が置き換えられていないか確認する
			if ctx.Err() != nil || !p.current(token) {
				return nil
			}
			reactionBatchesTotal.Inc()
			for _, req := range batch {
				if ctx.Err() != nil {
					return nil
				}
				// 発行したリクエストは中止されても完了させる
				reactions, err := p.fetch(context.WithoutCancel(ctx), req, force)
				if err != nil {
					failed.Add(1)
					continue
				}
				fetched.Add(1)
				p.deliver(token, req, reactions)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("リアクションの取得が終了しました",
		zap.String("token", string(token)),
		zap.Int("batches", len(batches)),
		zap.Int32("fetched", fetched.Load()),
		zap.Int32("failed", failed.Load()),
		zap.Bool("cancelled", ctx.Err() != nil),
	)
}

// fetch はリアクションを取得してキャッシュに保存する
// 同じメッセージの取得が実行中ならその結果を待つ。force ならキャッシュの値を使わない
func (p *ReactionPipeline) fetch(ctx context.Context, req domain.ReactionBatchRequest, force bool) ([]domain.Reaction, error) {
	reactions, err := p.cache.Fetch(ctx, req.Key().String(), force, func(ctx context.Context) ([]domain.Reaction, error) {
		return gate.Call(ctx, p.gate, gate.ClassReactions, func(ctx context.Context) ([]domain.Reaction, error) {
			return p.messages.FindReactions(ctx, req.ChannelID, req.Timestamp)
		})
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("リアクションの取得に失敗しました",
				zap.String("channel_id", req.ChannelID),
				zap.String("ts", req.Timestamp),
				zap.Stringer("class", domain.Classify(err)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return reactions, nil
}

// deliver はトークンが最新の場合のみイベントを配信する
// リアクションは毎回新しいスライスにして渡す
func (p *ReactionPipeline) deliver(token domain.QueryToken, req domain.ReactionBatchRequest, reactions []domain.Reaction) {
	if !p.current(token) {
		reactionUpdatesTotal.WithLabelValues("stale").Inc()
		return
	}
	copied := make([]domain.Reaction, len(reactions))
	copy(copied, reactions)
	p.emit(ReactionsUpdated{
		Token:     token,
		Index:     req.Index,
		ChannelID: req.ChannelID,
		Timestamp: req.Timestamp,
		Reactions: copied,
	})
	reactionUpdatesTotal.WithLabelValues("emitted").Inc()
}

// splitBatches は要求を size 件ずつのバッチに分ける
func splitBatches(reqs []domain.ReactionBatchRequest, size int) [][]domain.ReactionBatchRequest {
	if len(reqs) == 0 {
		return nil
	}
	batches := make([][]domain.ReactionBatchRequest, 0, (len(reqs)+size-1)/size)
	for start := 0; start < len(reqs); start += size {
		end := min(start+size, len(reqs))
		batches = append(batches, reqs[start:end])
	}
	return batches
}
