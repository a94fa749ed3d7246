package cache

import (
	"time"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// キャッシュ名（メトリクスのラベルにも使う）
const (
	NameChannels   = "channels"
	NameKinds      = "channel_kinds"
	NameDirectory  = "user_directory"
	NameIdentities = "user_identities"
	NameReactions  = "reactions"
)

// TTLConfig はエンティティごとのTTL
type TTLConfig struct {
	Channels   time.Duration
	Users      time.Duration
	Kinds      time.Duration // 0なら無期限
	Reactions  time.Duration // 0なら新しい取得で置き換えられるまで有効
	MaxEntries int
}

// DefaultTTLConfig はデフォルトのTTLを返す
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Channels:   30 * time.Minute,
		Users:      30 * time.Minute,
		MaxEntries: DefaultMaxEntries,
	}
}

// Service はワークスペースのセッション単位で持つキャッシュの集合
// ワークスペース切り替え時には新しいセッションごと作り直すか InvalidateAll を呼ぶ
type Service struct {
	Channels   *Cache[[]domain.Channel]
	Kinds      *Cache[domain.ChannelKind]
	Directory  *Cache[map[string]domain.User]
	Identities *Cache[domain.UserIdentity]
	Reactions  *Cache[[]domain.Reaction]
}

// NewService はキャッシュサービスを作成する
func NewService(cfg TTLConfig, opts ...Option) *Service {
	if cfg.MaxEntries > 0 {
		opts = append([]Option{WithMaxEntries(cfg.MaxEntries)}, opts...)
	}
	return &Service{
		Channels:  New[[]domain.Channel](NameChannels, cfg.Channels, opts...),
		Kinds:     New[domain.ChannelKind](NameKinds, cfg.Kinds, opts...),
		Directory: New[map[string]domain.User](NameDirectory, cfg.Users, opts...),
		// 表示名は明示的なクリアでのみ無効化する
		Identities: New[domain.UserIdentity](NameIdentities, 0, opts...),
		Reactions:  New[[]domain.Reaction](NameReactions, cfg.Reactions, opts...),
	}
}

// Sizes はキャッシュ名ごとのエントリ数を返す
func (s *Service) Sizes() map[string]int {
	return map[string]int{
		s.Channels.Name():   s.Channels.Len(),
		s.Kinds.Name():      s.Kinds.Len(),
		s.Directory.Name():  s.Directory.Len(),
		s.Identities.Name(): s.Identities.Len(),
		s.Reactions.Name():  s.Reactions.Len(),
	}
}

// InvalidateAll はすべてのキャッシュをクリアする
func (s *Service) InvalidateAll() {
	s.Channels.InvalidateAll()
	s.Kinds.InvalidateAll()
	s.Directory.InvalidateAll()
	s.Identities.InvalidateAll()
	s.Reactions.InvalidateAll()
}
