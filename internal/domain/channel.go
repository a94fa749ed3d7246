package domain

import (
	"strings"
	"time"
)

// ChannelKind はチャンネルの種別を表す
// Unknown からの昇格のみ許可され、具体的な種別から Unknown へは戻らない
type ChannelKind int

const (
	KindUnknown ChannelKind = iota
	KindPublic
	KindPrivate
	KindDirectMessage
	KindGroupDirectMessage
)

// String は種別名を返す
func (k ChannelKind) String() string {
	switch k {
	case KindPublic:
		return "public"
	case KindPrivate:
		return "private"
	case KindDirectMessage:
		return "im"
	case KindGroupDirectMessage:
		return "mpim"
	default:
		return "unknown"
	}
}

// IsConcrete は種別が確定しているかどうかを返す
func (k ChannelKind) IsConcrete() bool {
	return k != KindUnknown
}

// IsDirect はDMまたはグループDMかどうかを返す
// 検索APIはこのアドレス空間を受け付けないため、履歴スキャンが必要になる
func (k ChannelKind) IsDirect() bool {
	return k == KindDirectMessage || k == KindGroupDirectMessage
}

// Upgrade は新しく観測した種別を反映した結果を返す
// Unknown での上書き（ダウングレード）は無視する
func (k ChannelKind) Upgrade(observed ChannelKind) ChannelKind {
	if !observed.IsConcrete() {
		return k
	}
	return observed
}

// KindFromHints はIDのプレフィックスと名前からチャンネル種別を推定する
// あくまで推定であり、一覧APIから得た種別が常に優先される
func KindFromHints(id, name string) ChannelKind {
	if strings.HasPrefix(name, "mpdm-") {
		return KindGroupDirectMessage
	}
	switch {
	case strings.HasPrefix(id, "C"):
		return KindPublic
	case strings.HasPrefix(id, "G"):
		return KindPrivate
	case strings.HasPrefix(id, "D"):
		return KindDirectMessage
	default:
		return KindUnknown
	}
}

// Channel はSlackチャンネルを表すドメインモデル
type Channel struct {
	ID   string
	Name string
	Kind ChannelKind
	// UserID はDMの相手ユーザーID（DM以外は空）
	UserID string
}

// Observe は観測した種別でチャンネル種別を昇格させる
func (c *Channel) Observe(kind ChannelKind) {
	c.Kind = c.Kind.Upgrade(kind)
}

// DateRange は日付範囲を表す値オブジェクト
type DateRange struct {
	Start time.Time
	End   time.Time
}

// IsValid は日付範囲が有効かどうかを検証する
func (dr *DateRange) IsValid() bool {
	return dr.Start.IsZero() || dr.End.IsZero() || dr.Start.Before(dr.End) || dr.Start.Equal(dr.End)
}

// Contains は指定された時刻が日付範囲内かどうかを返す
func (dr *DateRange) Contains(t time.Time) bool {
	if !dr.Start.IsZero() && t.Before(dr.Start) {
		return false
	}
	if !dr.End.IsZero() && t.After(dr.End) {
		return false
	}
	return true
}

// IsZero は開始・終了ともに指定がないかどうかを返す
func (dr *DateRange) IsZero() bool {
	return dr == nil || (dr.Start.IsZero() && dr.End.IsZero())
}
