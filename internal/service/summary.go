package service

import (
	"sort"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// EmojiCount は絵文字ごとのリアクション数
type EmojiCount struct {
	Emoji string
	Count int
}

// MessageReaction はメッセージごとのリアクション総数
type MessageReaction struct {
	Index     int // 検索結果内の位置
	Text      string
	Reactions int
	Timestamp string
}

// UserStats はユーザーごとの投稿数
type UserStats struct {
	UserID   string
	UserName string
	Count    int
}

// ResultSummary は検索結果の集計
type ResultSummary struct {
	EmojiStats   []EmojiCount
	MessageStats []MessageReaction
	UserStats    []UserStats
	// Pending はリアクションが未取得のメッセージ数
	Pending int
}

// Summarize は検索結果のメッセージからリアクションと投稿者の統計を集計する
// users は投稿者IDごとの表示名（SearchResult.Users）。ないユーザーはIDで表示する
func Summarize(messages []domain.Message, users map[string]domain.UserIdentity) *ResultSummary {
	emojiCount := make(map[string]int)
	messageReactions := make([]MessageReaction, 0)
	userMessageCount := make(map[string]int)
	pending := 0

	for i := range messages {
		msg := &messages[i]

		// ユーザーメッセージ数をカウント
		if msg.UserID != "" {
			userMessageCount[msg.UserID]++
		}

		if !msg.ReactionsLoaded() {
			pending++
			continue
		}

		// リアクションを集計
		for _, reaction := range msg.Reactions {
			emojiCount[reaction.Name] += reaction.Count
		}
		if msg.HasReactions() {
			messageReactions = append(messageReactions, MessageReaction{
				Index:     i,
				Text:      msg.Text,
				Reactions: msg.TotalReactionCount(),
				Timestamp: msg.Timestamp,
			})
		}
	}

	// 絵文字の使用回数でソート（同数なら名前順）
	emojiStats := make([]EmojiCount, 0, len(emojiCount))
	for emoji, count := range emojiCount {
		emojiStats = append(emojiStats, EmojiCount{Emoji: emoji, Count: count})
	}
	sort.Slice(emojiStats, func(i, j int) bool {
		if emojiStats[i].Count != emojiStats[j].Count {
			return emojiStats[i].Count > emojiStats[j].Count
		}
		return emojiStats[i].Emoji < emojiStats[j].Emoji
	})

	// メッセージをリアクション数でソート（同数なら新しい順のまま）
	sort.SliceStable(messageReactions, func(i, j int) bool {
		return messageReactions[i].Reactions > messageReactions[j].Reactions
	})

	return &ResultSummary{
		EmojiStats:   emojiStats,
		MessageStats: messageReactions,
		UserStats:    buildUserStats(userMessageCount, users),
		Pending:      pending,
	}
}

// buildUserStats はユーザー統計を作成する
func buildUserStats(userMessageCount map[string]int, users map[string]domain.UserIdentity) []UserStats {
	userStats := make([]UserStats, 0, len(userMessageCount))
	for userID, count := range userMessageCount {
		userName := userID
		if identity, ok := users[userID]; ok && identity.Name != "" {
			userName = identity.Name
		}
		userStats = append(userStats, UserStats{
			UserID:   userID,
			UserName: userName,
			Count:    count,
		})
	}

	// 投稿数でソート（同数ならID順）
	sort.Slice(userStats, func(i, j int) bool {
		if userStats[i].Count != userStats[j].Count {
			return userStats[i].Count > userStats[j].Count
		}
		return userStats[i].UserID < userStats[j].UserID
	})

	return userStats
}
