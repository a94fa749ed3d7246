package domain

// Reaction はSlackのリアクション（絵文字）を表すドメインモデル
type Reaction struct {
	Name  string   // 絵文字名（例: "thumbsup", "smile"）
	Count int      // リアクション数
	Users []string // リアクションしたユーザーID
}

// ReactionBatchRequest はバックグラウンドで取得するリアクションの要求
// Index は元の検索結果内の位置で、更新対象のメッセージを特定するために使う
type ReactionBatchRequest struct {
	ChannelID string
	Timestamp string
	Index     int
}

// Key はキャッシュキーを返す
func (r ReactionBatchRequest) Key() MessageKey {
	return MessageKey{ChannelID: r.ChannelID, Timestamp: r.Timestamp}
}
