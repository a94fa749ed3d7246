package domain

import (
	"fmt"
	"strings"
)

// QueryToken は検索の呼び出しを識別する。新しい検索で古いトークンは無効になる
type QueryToken string

// SearchQuery は検索条件を表す値オブジェクト
// 送信後は変更しない
type SearchQuery struct {
	Text       string
	ChannelIDs []string
	UserID     string
	DateRange  *DateRange
	Limit      int
	// ForceRefresh はチャンネル・ユーザーのキャッシュ鮮度チェックを無視する
	ForceRefresh bool
}

// Validate は検索条件を検証する。エラーは ErrInvalidQuery をラップする
func (q *SearchQuery) Validate() error {
	if len(q.ChannelIDs) == 0 {
		return fmt.Errorf("%w: チャンネルが指定されていません", ErrInvalidQuery)
	}
	for _, id := range q.ChannelIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: 空のチャンネルIDが含まれています", ErrInvalidQuery)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: 件数上限が負の値です: %d", ErrInvalidQuery, q.Limit)
	}
	if q.DateRange != nil && !q.DateRange.IsValid() {
		return fmt.Errorf("%w: 開始日が終了日より後です", ErrInvalidQuery)
	}
	return nil
}

// Terms は検索テキストを空白で分割した小文字の語を返す
func (q *SearchQuery) Terms() []string {
	return strings.Fields(strings.ToLower(q.Text))
}

// MatchesMeta はユーザーと日付範囲の条件を満たすかどうかを返す
func (q *SearchQuery) MatchesMeta(m *Message) bool {
	if q.UserID != "" && m.UserID != q.UserID {
		return false
	}
	if !q.DateRange.IsZero() && !q.DateRange.Contains(m.Time()) {
		return false
	}
	return true
}

// Matches はテキスト・ユーザー・日付範囲のすべての条件を満たすかどうかを返す
// テキストは大文字小文字を区別せず、すべての語を含むものを一致とする
func (q *SearchQuery) Matches(m *Message) bool {
	if !q.MatchesMeta(m) {
		return false
	}
	text := strings.ToLower(m.Text)
	for _, term := range q.Terms() {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}
