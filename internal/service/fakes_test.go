package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
)

func newTestGate() *gate.Gate {
	return gate.New(gate.Config{
		MaxConcurrent: 10,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		MaxRetries:    2,
	}, nil)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Gate = gate.Config{
		MaxConcurrent: 10,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		MaxRetries:    2,
	}
	opts.Cache = cache.DefaultTTLConfig()
	opts.Search.Timeout = 5 * time.Second
	opts.Search.PageSize = 2
	opts.Reactions = ReactionOptions{BatchSize: 3, MaxConcurrentBatches: 2}
	return opts
}

func apiErr(op, code string) error {
	return &domain.APIError{Op: op, Code: code}
}

func msg(channelID, ts, userID, text string) domain.Message {
	return domain.Message{ChannelID: channelID, Timestamp: ts, UserID: userID, Text: text}
}

// paginate はオフセットをカーソルとして items の1ページを返す
func paginate[T any](items []T, cursor string, limit int) domain.Page[T] {
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	if start > len(items) {
		start = len(items)
	}
	if limit <= 0 {
		limit = len(items)
	}
	end := min(start+limit, len(items))
	page := domain.Page[T]{Items: append([]T(nil), items[start:end]...)}
	if end < len(items) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page
}

// fakeChannelRepository はChannelRepositoryのフェイク実装
type fakeChannelRepository struct {
	channels []domain.Channel
	directs  []domain.Channel
	// err は両方の一覧に、channelErr と directErr はそれぞれの一覧に返す
	err        error
	channelErr error
	directErr  error
	calls      atomic.Int32
}

func (f *fakeChannelRepository) ListChannels(ctx context.Context, cursor string, limit int) (domain.Page[domain.Channel], error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.Page[domain.Channel]{}, f.err
	}
	if f.channelErr != nil {
		return domain.Page[domain.Channel]{}, f.channelErr
	}
	return paginate(f.channels, cursor, limit), nil
}

func (f *fakeChannelRepository) ListDirectMessageChannels(ctx context.Context, cursor string, limit int) (domain.Page[domain.Channel], error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.Page[domain.Channel]{}, f.err
	}
	if f.directErr != nil {
		return domain.Page[domain.Channel]{}, f.directErr
	}
	return paginate(f.directs, cursor, limit), nil
}

// fakeMessageRepository はMessageRepositoryのフェイク実装
// search はサーバー側で絞り込み済みの検索結果、history はチャンネル履歴（新しい順）
type fakeMessageRepository struct {
	search     map[string][]domain.Message
	history    map[string][]domain.Message
	searchErr  map[string]error
	historyErr map[string]error
	reactions  map[string][]domain.Reaction
	// historyErrCursor は historyErr を返すページのカーソル（未指定なら最初のページ）
	historyErrCursor map[string]string

	// block が nil でなければ、閉じられるまでリアクション取得を待たせる
	block chan struct{}

	mu            sync.Mutex
	queries       []string
	historyCalls  atomic.Int32
	reactionCalls atomic.Int32
}

func (f *fakeMessageRepository) Search(ctx context.Context, query string, cursor string, limit int) (domain.Page[domain.Message], error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	channelID := channelFromQuery(query)
	if err := f.searchErr[channelID]; err != nil {
		return domain.Page[domain.Message]{}, err
	}
	return paginate(f.search[channelID], cursor, limit), nil
}

func (f *fakeMessageRepository) FindByChannel(ctx context.Context, channelID string, dateRange *domain.DateRange, cursor string, limit int) (domain.Page[domain.Message], error) {
	f.historyCalls.Add(1)
	if err := f.historyErr[channelID]; err != nil && f.historyErrCursor[channelID] == cursor {
		return domain.Page[domain.Message]{}, err
	}
	var items []domain.Message
	for _, m := range f.history[channelID] {
		if dateRange.IsZero() || dateRange.Contains(m.Time()) {
			items = append(items, m)
		}
	}
	return paginate(items, cursor, limit), nil
}

func (f *fakeMessageRepository) FindReactions(ctx context.Context, channelID, timestamp string) ([]domain.Reaction, error) {
	f.reactionCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	key := domain.MessageKey{ChannelID: channelID, Timestamp: timestamp}.String()
	if r, ok := f.reactions[key]; ok {
		return r, nil
	}
	return []domain.Reaction{}, nil
}

func (f *fakeMessageRepository) searchQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func channelFromQuery(query string) string {
	_, rest, ok := strings.Cut(query, "in:<#")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, ">")
	return id
}

// fakeUserRepository はUserRepositoryのフェイク実装
type fakeUserRepository struct {
	users     []domain.User
	errs      map[string]error
	listCalls atomic.Int32
	findCalls atomic.Int32
}

func (f *fakeUserRepository) ListUsers(ctx context.Context, cursor string, limit int) (domain.Page[domain.User], error) {
	f.listCalls.Add(1)
	return paginate(f.users, cursor, limit), nil
}

func (f *fakeUserRepository) FindByID(ctx context.Context, userID string) (*domain.User, error) {
	f.findCalls.Add(1)
	if err := f.errs[userID]; err != nil {
		return nil, err
	}
	for _, u := range f.users {
		if u.ID == userID {
			user := u
			return &user, nil
		}
	}
	return nil, apiErr("users.info", domain.CodeUserNotFound)
}
