package domain

import "context"

// Page はカーソル方式の1ページ分の結果
// NextCursor が空なら最終ページ
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// ChannelRepository はチャンネル一覧を取得するリポジトリインターフェース
type ChannelRepository interface {
	// ListChannels は公開・プライベートチャンネルの1ページを取得する
	ListChannels(ctx context.Context, cursor string, limit int) (Page[Channel], error)
	// ListDirectMessageChannels はDM・グループDMの1ページを取得する
	ListDirectMessageChannels(ctx context.Context, cursor string, limit int) (Page[Channel], error)
}

// MessageRepository はメッセージとリアクションを取得するリポジトリインターフェース
type MessageRepository interface {
	// Search はインデックス検索の1ページを取得する
	Search(ctx context.Context, query string, cursor string, limit int) (Page[Message], error)
	// FindByChannel はチャンネル履歴の1ページを新しい順に取得する
	FindByChannel(ctx context.Context, channelID string, dateRange *DateRange, cursor string, limit int) (Page[Message], error)
	// FindReactions はメッセージのリアクションを取得する
	FindReactions(ctx context.Context, channelID, timestamp string) ([]Reaction, error)
}

// UserRepository はユーザー情報を取得するリポジトリインターフェース
type UserRepository interface {
	// ListUsers はユーザーディレクトリの1ページを取得する
	ListUsers(ctx context.Context, cursor string, limit int) (Page[User], error)
	// FindByID は1ユーザーのプロフィールを取得する
	FindByID(ctx context.Context, userID string) (*User, error)
}
