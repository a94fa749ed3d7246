package domain

import "time"

// Message はSlackメッセージを表すドメインモデル
// 生成後は不変。Reactions のみ WithReactions で新しい値に差し替える
type Message struct {
	ChannelID string
	// Timestamp はソートキー兼メッセージの安定IDとして使う
	Timestamp string
	UserID    string
	Text      string
	ThreadTS  string // スレッドのタイムスタンプ（空文字列の場合は通常メッセージ）
	// Reactions はバックグラウンド取得前は nil
	Reactions []Reaction
}

// MessageKey はチャンネルとタイムスタンプでメッセージを一意に識別する
type MessageKey struct {
	ChannelID string
	Timestamp string
}

// String はキャッシュキーとして使う文字列表現を返す
func (k MessageKey) String() string {
	return k.ChannelID + "/" + k.Timestamp
}

// Key はメッセージのキーを返す
func (m *Message) Key() MessageKey {
	return MessageKey{ChannelID: m.ChannelID, Timestamp: m.Timestamp}
}

// Time はタイムスタンプを時刻に変換する。解析できない場合はゼロ値
func (m *Message) Time() time.Time {
	t, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ReactionsLoaded はリアクションが取得済みかどうかを返す
func (m *Message) ReactionsLoaded() bool {
	return m.Reactions != nil
}

// WithReactions はリアクションを差し替えたコピーを返す
// 元のスライスは変更しないため、参照比較で変更を検出できる
func (m Message) WithReactions(reactions []Reaction) Message {
	copied := make([]Reaction, len(reactions))
	copy(copied, reactions)
	m.Reactions = copied
	return m
}

// HasReactions はメッセージにリアクションがあるかどうかを返す
func (m *Message) HasReactions() bool {
	return len(m.Reactions) > 0
}

// TotalReactionCount はメッセージの総リアクション数を返す
func (m *Message) TotalReactionCount() int {
	total := 0
	for _, r := range m.Reactions {
		total += r.Count
	}
	return total
}

// IsThreadReply はこのメッセージがスレッドの返信かどうかを返す
func (m *Message) IsThreadReply() bool {
	return m.ThreadTS != "" && m.ThreadTS != m.Timestamp
}

// IsThreadParent はこのメッセージがスレッドの親メッセージかどうかを返す
func (m *Message) IsThreadParent() bool {
	return m.ThreadTS != "" && m.ThreadTS == m.Timestamp
}
