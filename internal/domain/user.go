package domain

import "strings"

// User はSlackユーザーを表すドメインモデル
type User struct {
	ID          string
	Name        string // ユーザー名
	DisplayName string // profile.display_name
	// ProfileRealName は profile.real_name、RealName はトップレベルの real_name
	ProfileRealName string
	RealName        string
	IsBot           bool
	Deleted         bool
}

// ResolutionTier は表示名の解決に実際に使われた段階を表す
type ResolutionTier int

const (
	TierDisplay ResolutionTier = iota
	TierProfileRealName
	TierRealName
	TierUsername
	TierIDFallback
	TierExternalPlaceholder
)

// String は段階名を返す
func (t ResolutionTier) String() string {
	switch t {
	case TierDisplay:
		return "display_name"
	case TierProfileRealName:
		return "profile_real_name"
	case TierRealName:
		return "real_name"
	case TierUsername:
		return "username"
	case TierIDFallback:
		return "id"
	case TierExternalPlaceholder:
		return "external"
	default:
		return "unknown"
	}
}

// UserIdentity は解決済みのユーザー表示名
type UserIdentity struct {
	ID   string
	Name string
	Tier ResolutionTier
}

// IsPlaceholder は外部ユーザーのプレースホルダーかどうかを返す
func (i UserIdentity) IsPlaceholder() bool {
	return i.Tier == TierExternalPlaceholder
}

// placeholderIDLength はプレースホルダー名に含めるIDの長さ
const placeholderIDLength = 8

// Identity は優先順位に従って表示名を解決し、使われた段階とともに返す
// 空文字列・空白のみの値は未設定として扱う
func (u *User) Identity() UserIdentity {
	candidates := []struct {
		value string
		tier  ResolutionTier
	}{
		{u.DisplayName, TierDisplay},
		{u.ProfileRealName, TierProfileRealName},
		{u.RealName, TierRealName},
		{u.Name, TierUsername},
	}
	for _, c := range candidates {
		if v := strings.TrimSpace(c.value); v != "" {
			return UserIdentity{ID: u.ID, Name: v, Tier: c.tier}
		}
	}
	return UserIdentity{ID: u.ID, Name: u.ID, Tier: TierIDFallback}
}

// FallbackIdentity はIDのみで作成した表示名を返す
func FallbackIdentity(userID string) UserIdentity {
	return UserIdentity{ID: userID, Name: userID, Tier: TierIDFallback}
}

// PlaceholderIdentity はディレクトリに存在しない外部ユーザー用の表示名を返す
// UI上で区別できるよう、短縮したIDを含める
func PlaceholderIdentity(userID string) UserIdentity {
	short := userID
	if len(short) > placeholderIDLength {
		short = short[:placeholderIDLength] + "…"
	}
	return UserIdentity{
		ID:   userID,
		Name: "外部ユーザー (" + short + ")",
		Tier: TierExternalPlaceholder,
	}
}
