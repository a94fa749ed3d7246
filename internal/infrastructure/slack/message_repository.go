package slack

import (
	"context"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// MessageRepository はSlack APIを使用してメッセージを取得するリポジトリ
type MessageRepository struct {
	client *slack.Client
}

// NewMessageRepository は新しいMessageRepositoryを作成する
func NewMessageRepository(client *slack.Client) *MessageRepository {
	return &MessageRepository{
		client: client,
	}
}

// Search はインデックス検索の1ページを新しい順に取得する
// 検索APIはページ番号方式なので、カーソルはページ番号の文字列とする
func (r *MessageRepository) Search(ctx context.Context, query string, cursor string, limit int) (domain.Page[domain.Message], error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return domain.Page[domain.Message]{}, &domain.APIError{Op: "search.messages", Code: "invalid_cursor"}
		}
		page = n
	}

	params := slack.NewSearchParameters()
	params.Sort = "timestamp"
	params.SortDirection = "desc"
	params.Page = page
	if limit > 0 {
		params.Count = limit
	}

	result, err := r.client.SearchMessagesContext(ctx, query, params)
	if err != nil {
		return domain.Page[domain.Message]{}, wrapError("search.messages", err)
	}

	messages := make([]domain.Message, 0, len(result.Matches))
	for _, match := range result.Matches {
		messages = append(messages, domain.Message{
			ChannelID: match.Channel.ID,
			Timestamp: match.Timestamp,
			UserID:    match.User,
			Text:      match.Text,
		})
	}

	var next string
	if result.Paging.Page < result.Paging.Pages {
		next = strconv.Itoa(result.Paging.Page + 1)
	}
	return domain.Page[domain.Message]{Items: messages, NextCursor: next}, nil
}

// FindByChannel はチャンネル履歴の1ページを新しい順に取得する
func (r *MessageRepository) FindByChannel(ctx context.Context, channelID string, dateRange *domain.DateRange, cursor string, limit int) (domain.Page[domain.Message], error) {
	params := slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Cursor:    cursor,
		Limit:     limit,
	}
	if dateRange != nil {
		if !dateRange.Start.IsZero() {
			params.Oldest = domain.FormatUnix(dateRange.Start)
		}
		if !dateRange.End.IsZero() {
			params.Latest = domain.FormatUnix(dateRange.End)
		}
	}

	history, err := r.client.GetConversationHistoryContext(ctx, &params)
	if err != nil {
		return domain.Page[domain.Message]{}, wrapError("conversations.history", err)
	}

	messages := make([]domain.Message, 0, len(history.Messages))
	for i := range history.Messages {
		if msg, ok := convertToDomainMessage(&history.Messages[i], channelID); ok {
			messages = append(messages, msg)
		}
	}

	var next string
	if history.HasMore {
		next = history.ResponseMetaData.NextCursor
	}
	return domain.Page[domain.Message]{Items: messages, NextCursor: next}, nil
}

// FindReactions はメッセージのリアクションを取得する
// リアクションがない場合は空（nilではない）のスライスを返す
func (r *MessageRepository) FindReactions(ctx context.Context, channelID, timestamp string) ([]domain.Reaction, error) {
	items, err := r.client.GetReactionsContext(ctx, slack.NewRefToMessage(channelID, timestamp), slack.GetReactionsParameters{Full: true})
	if err != nil {
		return nil, wrapError("reactions.get", err)
	}
	return convertToDomainReactions(items), nil
}

// convertToDomainMessage はSlackのMessageをドメインモデルに変換する
// ボットメッセージは対象外
func convertToDomainMessage(msg *slack.Message, channelID string) (domain.Message, bool) {
	if msg.SubType == "bot_message" || msg.BotID != "" {
		return domain.Message{}, false
	}

	m := domain.Message{
		ChannelID: channelID,
		Timestamp: msg.Timestamp,
		UserID:    msg.User,
		Text:      msg.Text,
		ThreadTS:  msg.ThreadTimestamp,
	}
	// 履歴APIはリアクションも返すので、取得済みとして扱う
	if msg.Reactions != nil {
		m.Reactions = convertToDomainReactions(msg.Reactions)
	}
	return m, true
}

func convertToDomainReactions(items []slack.ItemReaction) []domain.Reaction {
	reactions := make([]domain.Reaction, 0, len(items))
	for _, item := range items {
		reactions = append(reactions, domain.Reaction{
			Name:  item.Name,
			Count: item.Count,
			Users: item.Users,
		})
	}
	return reactions
}
