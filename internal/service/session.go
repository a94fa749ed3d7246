package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
)

// ErrSessionClosed は終了したセッションを使おうとしたときのエラー
var ErrSessionClosed = errors.New("セッションは終了しています")

// Repositories はセッションが使うリポジトリ
type Repositories struct {
	Channels domain.ChannelRepository
	Messages domain.MessageRepository
	Users    domain.UserRepository
}

// Options はセッションの設定。設定ファイルの読み込みは呼び出し元が行う
type Options struct {
	Gate            gate.Config
	Cache           cache.TTLConfig
	Search          SearchOptions
	Reactions       ReactionOptions
	Users           UserOptions
	ChannelPageSize int
}

// DefaultOptions はデフォルト設定を返す
func DefaultOptions() Options {
	return Options{
		Gate:            gate.DefaultConfig(),
		Cache:           cache.DefaultTTLConfig(),
		Search:          DefaultSearchOptions(),
		Reactions:       DefaultReactionOptions(),
		Users:           DefaultUserOptions(),
		ChannelPageSize: 200,
	}
}

// Session はワークスペース1つ分の検索機能をまとめたもの
// キャッシュとゲートはセッションごとに持ち、ワークスペースを切り替えるときは作り直す
type Session struct {
	caches     *cache.Service
	gate       *gate.Gate
	classifier *ChannelClassifier
	directory  *ChannelDirectory
	resolver   *UserResolver
	search     *SearchOrchestrator
	pipeline   *ReactionPipeline
	logger     *zap.Logger

	mu          sync.Mutex
	current     domain.QueryToken
	handle      *Handle
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewSession は新しいSessionを作成する
func NewSession(repos Repositories, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Search.MaxConcurrent <= 0 {
		opts.Search.MaxConcurrent = opts.Gate.MaxConcurrent
	}

	s := &Session{
		caches:      cache.NewService(opts.Cache),
		gate:        gate.New(opts.Gate, logger),
		logger:      logger.With(zap.String("component", "session")),
		subscribers: make(map[*subscriber]struct{}),
	}
	s.classifier = NewChannelClassifier(s.caches.Kinds, logger)
	s.resolver = NewUserResolver(repos.Users, s.gate, s.caches, opts.Users, logger)
	s.directory = NewChannelDirectory(repos.Channels, s.gate, s.caches, s.classifier, s.resolver, opts.ChannelPageSize, logger)
	s.search = NewSearchOrchestrator(repos.Messages, s.gate, s.caches, s.classifier, s.directory, s.resolver, opts.Search, logger)
	s.pipeline = NewReactionPipeline(repos.Messages, s.gate, s.caches, opts.Reactions, s.isCurrent, s.publish, logger)
	return s
}

// Search は検索を実行し、同期フェーズの結果とリアクション取得のハンドルを返す
// 送信した時点で以前の検索のトークンは無効になり、そのリアクション更新は配信されない
func (s *Session) Search(ctx context.Context, query domain.SearchQuery) (*SearchResult, *Handle, error) {
	if err := query.Validate(); err != nil {
		return nil, nil, err
	}

	token := domain.QueryToken(uuid.NewString())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrSessionClosed
	}
	prev := s.handle
	s.current = token
	s.handle = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	result, err := s.search.Search(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	result.Token = token

	h := s.pipeline.Start(token, result.Messages, query.ForceRefresh)
	s.mu.Lock()
	if s.current == token && !s.closed {
		s.handle = h
	} else {
		// 同期フェーズの間に次の検索が送信された
		h.Cancel()
	}
	s.mu.Unlock()

	return result, h, nil
}

// CurrentToken は最新の検索トークンを返す
func (s *Session) CurrentToken() domain.QueryToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe はリアクション更新イベントを購読する
// 戻り値の関数で購読を解除するとチャネルは閉じられる
func (s *Session) Subscribe() (<-chan ReactionsUpdated, func()) {
	sub := newSubscriber(s.isCurrent)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.stop()
		return sub.out, func() {}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub.out, func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		sub.stop()
	}
}

// InvalidateAll はすべてのキャッシュをクリアし、実行中のリアクション取得を中止する
// ワークスペースの切り替え時に呼ぶ
func (s *Session) InvalidateAll() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.current = ""
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	sizes := s.caches.Sizes()
	s.caches.InvalidateAll()
	s.logger.Info("キャッシュをクリアしました", zap.Any("entries", sizes))
}

// Channels はチャンネルとDMの一覧を返す
func (s *Session) Channels(ctx context.Context, force bool) ([]domain.Channel, error) {
	return s.directory.List(ctx, force)
}

// FindChannel はチャンネル名またはIDからチャンネルを検索する。force なら一覧を取得し直す
func (s *Session) FindChannel(ctx context.Context, name string, force bool) (*domain.Channel, error) {
	return s.directory.FindByName(ctx, name, force)
}

// ResolveUser はユーザーの表示名を解決する
func (s *Session) ResolveUser(ctx context.Context, userID string) domain.UserIdentity {
	return s.resolver.Resolve(ctx, userID)
}

// FindUser はユーザー名からユーザーを検索する。force ならディレクトリを取得し直す
func (s *Session) FindUser(ctx context.Context, name string, force bool) (*domain.User, error) {
	return s.resolver.FindByName(ctx, name, force)
}

// Close はセッションを終了する。購読中のチャネルはすべて閉じられる
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.current = ""
	h := s.handle
	s.handle = nil
	subs := s.subscribers
	s.subscribers = make(map[*subscriber]struct{})
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
	for sub := range subs {
		sub.stop()
	}
}

func (s *Session) isCurrent(token domain.QueryToken) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && token == s.current && !s.closed
}

// publish は最新の検索のイベントのみを購読者のキューに積む
func (s *Session) publish(ev ReactionsUpdated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Token != s.current || s.closed {
		reactionUpdatesTotal.WithLabelValues("stale").Inc()
		return
	}
	for sub := range s.subscribers {
		sub.push(ev)
	}
}

// subscriber は購読者ごとのキュー
// 配信側をブロックしないよう、キューから取り出す処理は専用のゴルーチンで行う
type subscriber struct {
	out     chan ReactionsUpdated
	current func(domain.QueryToken) bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []ReactionsUpdated
	stopped bool
	done    chan struct{}
}

func newSubscriber(current func(domain.QueryToken) bool) *subscriber {
	sub := &subscriber{
		out:     make(chan ReactionsUpdated),
		current: current,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()
	return sub
}

func (sub *subscriber) push(ev ReactionsUpdated) {
	sub.mu.Lock()
	if !sub.stopped {
		sub.queue = append(sub.queue, ev)
		sub.cond.Signal()
	}
	sub.mu.Unlock()
}

func (sub *subscriber) stop() {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	sub.stopped = true
	sub.queue = nil
	sub.cond.Signal()
	sub.mu.Unlock()
	close(sub.done)
}

func (sub *subscriber) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.stopped {
			sub.cond.Wait()
		}
		if sub.stopped {
			sub.mu.Unlock()
			return
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		// キューにいる間に次の検索が送信されていれば破棄する
		if !sub.current(ev.Token) {
			reactionUpdatesTotal.WithLabelValues("stale").Inc()
			continue
		}
		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}
