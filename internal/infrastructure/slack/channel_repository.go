package slack

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

var (
	channelTypes       = []string{"public_channel", "private_channel"}
	directMessageTypes = []string{"im", "mpim"}
)

// ChannelRepository はSlack APIを使用してチャンネル情報を取得するリポジトリ
type ChannelRepository struct {
	client *slack.Client
}

// NewChannelRepository は新しいChannelRepositoryを作成する
func NewChannelRepository(client *slack.Client) *ChannelRepository {
	return &ChannelRepository{
		client: client,
	}
}

// ListChannels は公開・プライベートチャンネルの1ページを取得する
func (r *ChannelRepository) ListChannels(ctx context.Context, cursor string, limit int) (domain.Page[domain.Channel], error) {
	return r.list(ctx, channelTypes, cursor, limit)
}

// ListDirectMessageChannels はDM・グループDMの1ページを取得する
func (r *ChannelRepository) ListDirectMessageChannels(ctx context.Context, cursor string, limit int) (domain.Page[domain.Channel], error) {
	return r.list(ctx, directMessageTypes, cursor, limit)
}

func (r *ChannelRepository) list(ctx context.Context, types []string, cursor string, limit int) (domain.Page[domain.Channel], error) {
	conversations, nextCursor, err := r.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           limit,
		Cursor:          cursor,
		Types:           types,
	})
	if err != nil {
		return domain.Page[domain.Channel]{}, wrapError("conversations.list", err)
	}

	channels := make([]domain.Channel, 0, len(conversations))
	for i := range conversations {
		channels = append(channels, convertToDomainChannel(&conversations[i]))
	}
	return domain.Page[domain.Channel]{Items: channels, NextCursor: nextCursor}, nil
}

// convertToDomainChannel は一覧APIの種別フラグからチャンネルを作成する
// 一覧APIのフラグは推定より優先される確定した種別として扱う
func convertToDomainChannel(c *slack.Channel) domain.Channel {
	// フラグがなければIDと名前からの推定のまま
	ch := domain.Channel{
		ID:   c.ID,
		Name: c.Name,
		Kind: domain.KindFromHints(c.ID, c.Name),
	}
	switch {
	case c.IsIM:
		ch.Observe(domain.KindDirectMessage)
		ch.UserID = c.User
	case c.IsMpIM:
		ch.Observe(domain.KindGroupDirectMessage)
	case c.IsPrivate || c.IsGroup:
		ch.Observe(domain.KindPrivate)
	case c.IsChannel:
		ch.Observe(domain.KindPublic)
	}
	return ch
}
