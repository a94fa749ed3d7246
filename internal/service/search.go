package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
	"github.com/Tattsum/slack-client-core/internal/pagination"
)

// 検索APIの日付修飾子の形式
const searchDateLayout = "2006-01-02"

// SearchOptions は検索の設定
type SearchOptions struct {
	DefaultLimit     int           // 件数上限が指定されていない場合の上限
	Timeout          time.Duration // 同期フェーズ全体のタイムアウト（0なら無制限）
	PageSize         int
	HistoryScanLimit int // 履歴スキャンで1チャンネルあたりに読む最大件数
	MaxConcurrent    int // 同時に処理するチャンネル数
}

// DefaultSearchOptions はデフォルト設定を返す
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		DefaultLimit:     100,
		Timeout:          30 * time.Second,
		PageSize:         100,
		HistoryScanLimit: 1000,
		MaxConcurrent:    30,
	}
}

// ChannelFailure は結果に寄与できなかったチャンネルの記録
type ChannelFailure struct {
	ChannelID string
	Kind      domain.ChannelKind
	Class     domain.ErrorClass
	// Partial は途中のページまでの結果は含まれていることを示す
	Partial bool
	Err     error
}

// SearchResult は検索の同期フェーズの結果
type SearchResult struct {
	Token    domain.QueryToken
	Messages []domain.Message
	Failures []ChannelFailure
	// Users は投稿者IDごとの解決済み表示名
	Users map[string]domain.UserIdentity
	// Truncated は履歴スキャンが上限に達し、古いメッセージを読んでいないチャンネル
	Truncated []string
	Elapsed   time.Duration
}

// SearchOrchestrator はチャンネルごとの取得を並行して行い、結果を統合するサービス
type SearchOrchestrator struct {
	messages   domain.MessageRepository
	gate       *gate.Gate
	classifier *ChannelClassifier
	directory  *ChannelDirectory
	resolver   *UserResolver
	reactions  *cache.Cache[[]domain.Reaction]
	opts       SearchOptions
	logger     *zap.Logger
}

// NewSearchOrchestrator は新しいSearchOrchestratorを作成する
// directory と resolver は nil でもよい（種別は推定のみ、表示名は解決しない）
func NewSearchOrchestrator(messages domain.MessageRepository, g *gate.Gate, caches *cache.Service, classifier *ChannelClassifier, directory *ChannelDirectory, resolver *UserResolver, opts SearchOptions, logger *zap.Logger) *SearchOrchestrator {
	def := DefaultSearchOptions()
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.HistoryScanLimit <= 0 {
		opts.HistoryScanLimit = def.HistoryScanLimit
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchOrchestrator{
		messages:   messages,
		gate:       g,
		classifier: classifier,
		directory:  directory,
		resolver:   resolver,
		reactions:  caches.Reactions,
		opts:       opts,
		logger:     logger.With(zap.String("component", "search")),
	}
}

// Search はメッセージ本文を検索して返す
// 不正な検索条件のみエラーとして返し、チャンネルごとの失敗は Failures に記録する
func (o *SearchOrchestrator) Search(ctx context.Context, query domain.SearchQuery) (*SearchResult, error) {
	start := time.Now()
	if err := query.Validate(); err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit == 0 {
		limit = o.opts.DefaultLimit
	}
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	channelIDs := uniqueStrings(query.ChannelIDs)
	if o.directory != nil {
		o.directory.EnsureKinds(ctx, channelIDs, query.ForceRefresh)
	}

	contributions := make([][]domain.Message, len(channelIDs))
	var (
		mu        sync.Mutex
		failures  []ChannelFailure
		truncated []string
	)

	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrent)
	for i, channelID := range channelIDs {
		g.Go(func() error {
			kind := o.classifier.Classify(channelID)
			msgs, capped, err := o.fetchChannel(ctx, channelID, kind, &query, limit)
			contributions[i] = msgs
			if capped {
				mu.Lock()
				truncated = append(truncated, channelID)
				mu.Unlock()
			}
			if err == nil {
				return nil
			}
			if failure, ok := o.classifyFailure(channelID, kind, err); ok {
				failure.Partial = errors.Is(err, pagination.ErrPartialPage)
				mu.Lock()
				failures = append(failures, failure)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	messages := mergeMessages(contributions, limit)
	o.attachCachedReactions(messages, query.ForceRefresh)

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].ChannelID < failures[j].ChannelID
	})
	sort.Strings(truncated)

	result := &SearchResult{
		Messages:  messages,
		Failures:  failures,
		Truncated: truncated,
	}
	if o.resolver != nil {
		authors := make([]string, 0, len(messages))
		for i := range messages {
			authors = append(authors, messages[i].UserID)
		}
		result.Users = o.resolver.ResolveMany(ctx, authors, query.ForceRefresh)
	}

	result.Elapsed = time.Since(start)
	searchDuration.Observe(result.Elapsed.Seconds())
	o.logger.Info("検索が完了しました",
		zap.Int("channels", len(channelIDs)),
		zap.Int("messages", len(messages)),
		zap.Int("failures", len(failures)),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// fetchChannel はチャンネル種別に応じた方法でメッセージを取得する
// 途中のページで失敗した場合は、それまでの結果とエラーの両方を返す
// capped は履歴スキャンが読み込み上限で打ち切られたことを示す
func (o *SearchOrchestrator) fetchChannel(ctx context.Context, channelID string, kind domain.ChannelKind, query *domain.SearchQuery, limit int) (msgs []domain.Message, capped bool, err error) {
	// 種別が推定できないチャンネルは検索APIで指定できないことがあるので履歴を読む
	if kind.IsDirect() || !kind.IsConcrete() {
		return o.scanHistory(ctx, channelID, kind, query, limit)
	}
	msgs, err = o.searchIndexed(ctx, channelID, query, limit)
	return msgs, false, err
}

// searchIndexed は検索APIでサーバー側の絞り込みを行い、結果をローカルでも再確認する
func (o *SearchOrchestrator) searchIndexed(ctx context.Context, channelID string, query *domain.SearchQuery, limit int) ([]domain.Message, error) {
	q := buildIndexedQuery(query, channelID)
	items, err := pagination.FetchAll(ctx, o.gate, gate.ClassSearch, func(ctx context.Context, cursor string, pageLimit int) (domain.Page[domain.Message], error) {
		return o.messages.Search(ctx, q, cursor, pageLimit)
	}, pagination.Options{PageLimit: o.opts.PageSize, MaxItems: limit})

	matched := make([]domain.Message, 0, len(items))
	for _, m := range items {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		if m.ChannelID != channelID || !query.MatchesMeta(&m) {
			continue
		}
		matched = append(matched, m)
	}
	return matched, err
}

// scanHistory は履歴を新しい順に読み、条件をローカルで適用する
func (o *SearchOrchestrator) scanHistory(ctx context.Context, channelID string, kind domain.ChannelKind, query *domain.SearchQuery, limit int) ([]domain.Message, bool, error) {
	class := gate.ClassHistory
	if kind.IsDirect() {
		class = gate.ClassDirectMessage
	}
	items, err := pagination.FetchAll(ctx, o.gate, class, func(ctx context.Context, cursor string, pageLimit int) (domain.Page[domain.Message], error) {
		return o.messages.FindByChannel(ctx, channelID, query.DateRange, cursor, pageLimit)
	}, pagination.Options{PageLimit: o.opts.PageSize, MaxItems: o.opts.HistoryScanLimit})

	matched := make([]domain.Message, 0)
	for _, m := range items {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		if !query.Matches(&m) {
			continue
		}
		matched = append(matched, m)
		if len(matched) >= limit {
			break
		}
	}

	// 上限まで読んでも件数が足りない場合、それより古い一致は取りこぼしている
	capped := err == nil && len(items) >= o.opts.HistoryScanLimit && len(matched) < limit
	if capped {
		o.logger.Info("履歴スキャンが上限に達したため古いメッセージは検索していません",
			zap.String("channel_id", channelID),
			zap.Int("scanned", len(items)),
			zap.Int("matched", len(matched)),
		)
	}
	return matched, capped, err
}

// classifyFailure はチャンネルの取得エラーを分類する
// 正常な空の結果として扱うものは false を返す
func (o *SearchOrchestrator) classifyFailure(channelID string, kind domain.ChannelKind, err error) (ChannelFailure, bool) {
	class := domain.ClassifyForChannel(err, kind)
	if class == domain.ClassEmptyResult {
		o.logger.Debug("参加していないDMのため空の結果として扱います",
			zap.String("channel_id", channelID),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		return ChannelFailure{}, false
	}

	channelFailuresTotal.WithLabelValues(class.String()).Inc()
	o.logger.Warn("チャンネルの取得に失敗しました",
		zap.String("channel_id", channelID),
		zap.Stringer("kind", kind),
		zap.Stringer("class", class),
		zap.Bool("partial", errors.Is(err, pagination.ErrPartialPage)),
		zap.Error(err),
	)
	return ChannelFailure{ChannelID: channelID, Kind: kind, Class: class, Err: err}, true
}

// attachCachedReactions はキャッシュ済みのリアクションを同期的に付与する
// 履歴APIが返したリアクションは逆にキャッシュへ保存する。force ならキャッシュは付与しない
func (o *SearchOrchestrator) attachCachedReactions(messages []domain.Message, force bool) {
	for i := range messages {
		key := messages[i].Key().String()
		if messages[i].ReactionsLoaded() {
			o.reactions.Set(key, messages[i].Reactions)
			continue
		}
		if force {
			continue
		}
		if reactions, ok := o.reactions.Get(key); ok {
			messages[i] = messages[i].WithReactions(reactions)
		}
	}
}

// buildIndexedQuery は検索APIのクエリ文字列を組み立てる
// 日付修飾子は日単位かつ境界を含まないため1日広げ、正確な範囲はローカルで確認する
func buildIndexedQuery(query *domain.SearchQuery, channelID string) string {
	parts := make([]string, 0, 5)
	if text := strings.TrimSpace(query.Text); text != "" {
		parts = append(parts, text)
	}
	parts = append(parts, "in:<#"+channelID+">")
	if query.UserID != "" {
		parts = append(parts, "from:<@"+query.UserID+">")
	}
	if dr := query.DateRange; !dr.IsZero() {
		if !dr.Start.IsZero() {
			parts = append(parts, "after:"+dr.Start.AddDate(0, 0, -1).Format(searchDateLayout))
		}
		if !dr.End.IsZero() {
			parts = append(parts, "before:"+dr.End.AddDate(0, 0, 1).Format(searchDateLayout))
		}
	}
	return strings.Join(parts, " ")
}

// mergeMessages はチャンネルごとの結果を統合する
// タイムスタンプの新しい順（同じならチャンネルIDの昇順）に並べ、重複を除いて limit 件に切り詰める
func mergeMessages(contributions [][]domain.Message, limit int) []domain.Message {
	total := 0
	for _, c := range contributions {
		total += len(c)
	}
	merged := make([]domain.Message, 0, total)
	for _, c := range contributions {
		merged = append(merged, c...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if c := domain.CompareTimestamps(merged[i].Timestamp, merged[j].Timestamp); c != 0 {
			return c > 0
		}
		return merged[i].ChannelID < merged[j].ChannelID
	})

	seen := make(map[domain.MessageKey]struct{}, len(merged))
	result := make([]domain.Message, 0, len(merged))
	for _, m := range merged {
		key := m.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}
