package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// newSearchFixture は公開チャンネル C1 とDM D2 を持つワークスペースを用意する
func newSearchFixture() (*fakeChannelRepository, *fakeMessageRepository, *fakeUserRepository) {
	channels := &fakeChannelRepository{
		channels: []domain.Channel{
			{ID: "C1", Name: "general", Kind: domain.KindPublic},
			{ID: "C3", Name: "broken", Kind: domain.KindPublic},
		},
		directs: []domain.Channel{
			{ID: "D2", Kind: domain.KindDirectMessage, UserID: "U2"},
		},
	}
	messages := &fakeMessageRepository{
		search: map[string][]domain.Message{
			"C1": {
				msg("C1", "1700000100.000000", "U1", "deploy 1"),
				msg("C1", "1700000080.000000", "U1", "deploy 2"),
				msg("C1", "1700000060.000000", "U1", "deploy 3"),
				msg("C1", "1700000040.000000", "U1", "deploy 4"),
				msg("C1", "1700000020.000000", "U1", "deploy 5"),
			},
		},
		history: map[string][]domain.Message{
			"D2": {
				msg("D2", "1700000090.000000", "U2", "deploy a"),
				msg("D2", "1700000070.000000", "U2", "lunch?"),
				msg("D2", "1700000050.000000", "U1", "Deploy B"),
				msg("D2", "1700000030.000000", "U2", "deploy c"),
				msg("D2", "1700000010.000000", "U2", "coffee"),
			},
		},
		searchErr:  map[string]error{},
		historyErr: map[string]error{},
	}
	users := &fakeUserRepository{users: []domain.User{
		{ID: "U1", Name: "alice", DisplayName: "Alice"},
		{ID: "U2", Name: "bob", DisplayName: "Bob"},
	}}
	return channels, messages, users
}

func newFixtureSession(t *testing.T, channels *fakeChannelRepository, messages *fakeMessageRepository, users *fakeUserRepository) *Session {
	t.Helper()
	s := NewSession(Repositories{Channels: channels, Messages: messages, Users: users}, testOptions(), nil)
	t.Cleanup(s.Close)
	return s
}

func timestamps(messages []domain.Message) []string {
	ts := make([]string, 0, len(messages))
	for _, m := range messages {
		ts = append(ts, m.ChannelID+"@"+strings.TrimSuffix(m.Timestamp, ".000000"))
	}
	return ts
}

func TestSearch_InterleavesIndexedAndDirectMessageResults(t *testing.T) {
	channels, messages, users := newSearchFixture()
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{
		Text:       "deploy",
		ChannelIDs: []string{"C1", "D2"},
		Limit:      10,
	})

	require.NoError(t, err)
	assert.Empty(t, result.Failures)
	assert.Equal(t, []string{
		"C1@1700000100",
		"D2@1700000090",
		"C1@1700000080",
		"C1@1700000060",
		"D2@1700000050",
		"C1@1700000040",
		"D2@1700000030",
		"C1@1700000020",
	}, timestamps(result.Messages))

	// DMは検索APIを使わない
	for _, q := range messages.searchQueries() {
		assert.Contains(t, q, "in:<#C1>")
		assert.NotContains(t, q, "D2")
	}
	assert.Greater(t, messages.historyCalls.Load(), int32(0))

	assert.Equal(t, "Alice", result.Users["U1"].Name)
	assert.Equal(t, "Bob", result.Users["U2"].Name)
	assert.NotEmpty(t, result.Token)
}

func TestSearch_TruncatesToLimit(t *testing.T) {
	channels, messages, users := newSearchFixture()
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{
		Text:       "deploy",
		ChannelIDs: []string{"C1", "D2"},
		Limit:      3,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"C1@1700000100", "D2@1700000090", "C1@1700000080"}, timestamps(result.Messages))
}

func TestSearch_NotInChannelOnDirectMessageIsEmptySuccess(t *testing.T) {
	channels, messages, users := newSearchFixture()
	messages.historyErr["D2"] = apiErr("conversations.history", domain.CodeNotInChannel)
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{
		Text:       "deploy",
		ChannelIDs: []string{"D2"},
	})

	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Empty(t, result.Failures)
}

func TestSearch_ChannelFailureDoesNotAbortQuery(t *testing.T) {
	channels, messages, users := newSearchFixture()
	messages.searchErr["C3"] = apiErr("search.messages", "internal_error")
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{
		Text:       "deploy",
		ChannelIDs: []string{"C1", "C3"},
	})

	require.NoError(t, err)
	assert.Len(t, result.Messages, 5)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "C3", result.Failures[0].ChannelID)
	assert.Equal(t, domain.ClassPermanentChannelFailure, result.Failures[0].Class)
	assert.False(t, result.Failures[0].Partial)
}

func TestSearch_NotInChannelOnPublicChannelIsRecorded(t *testing.T) {
	channels, messages, users := newSearchFixture()
	messages.searchErr["C3"] = apiErr("search.messages", domain.CodeNotInChannel)
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{ChannelIDs: []string{"C3"}})

	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, domain.ClassPermanentChannelFailure, result.Failures[0].Class)
}

func TestSearch_InvalidQueryIsReturned(t *testing.T) {
	channels, messages, users := newSearchFixture()
	s := newFixtureSession(t, channels, messages, users)

	_, _, err := s.Search(context.Background(), domain.SearchQuery{Text: "deploy"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuery))
	assert.Equal(t, domain.ClassFatalConfiguration, domain.Classify(err))
}

func TestSearch_LocalFiltersOnDirectMessage(t *testing.T) {
	channels, messages, users := newSearchFixture()
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{
		Text:       "DEPLOY",
		ChannelIDs: []string{"D2"},
		UserID:     "U2",
		DateRange: &domain.DateRange{
			Start: time.Unix(1700000020, 0),
			End:   time.Unix(1700000095, 0),
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"D2@1700000090", "D2@1700000030"}, timestamps(result.Messages))
}

func TestSearch_UnknownKindUsesHistoryScan(t *testing.T) {
	channels, messages, users := newSearchFixture()
	messages.history["X7"] = []domain.Message{msg("X7", "1700000001.000000", "U1", "deploy x")}
	s := newFixtureSession(t, channels, messages, users)

	result, _, err := s.Search(context.Background(), domain.SearchQuery{Text: "deploy", ChannelIDs: []string{"X7"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"X7@1700000001"}, timestamps(result.Messages))
	assert.Empty(t, messages.searchQueries())
}

func TestMergeMessages(t *testing.T) {
	contributions := [][]domain.Message{
		{msg("C2", "1700000005.000000", "U1", ""), msg("C2", "1700000001.000000", "U1", "")},
		{msg("C1", "1700000005.000000", "U1", ""), msg("C1", "1700000003.000000", "U1", "")},
		{msg("C1", "1700000003.000000", "U1", "重複")},
	}

	merged := mergeMessages(contributions, 0)

	assert.Equal(t, []string{
		"C1@1700000005",
		"C2@1700000005",
		"C1@1700000003",
		"C2@1700000001",
	}, timestamps(merged))

	assert.Len(t, mergeMessages(contributions, 2), 2)
	assert.Empty(t, mergeMessages(nil, 10))
}

func TestBuildIndexedQuery(t *testing.T) {
	tests := []struct {
		name  string
		query domain.SearchQuery
		want  string
	}{
		{
			name:  "テキストのみ",
			query: domain.SearchQuery{Text: " deploy  "},
			want:  "deploy in:<#C1>",
		},
		{
			name:  "テキストなし",
			query: domain.SearchQuery{},
			want:  "in:<#C1>",
		},
		{
			name: "ユーザーと日付範囲",
			query: domain.SearchQuery{
				Text:   "release",
				UserID: "U9",
				DateRange: &domain.DateRange{
					Start: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2024, 1, 12, 23, 59, 59, 0, time.UTC),
				},
			},
			want: "release in:<#C1> from:<@U9> after:2024-01-09 before:2024-01-13",
		},
		{
			name: "開始日のみ",
			query: domain.SearchQuery{
				DateRange: &domain.DateRange{Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
			},
			want: "in:<#C1> after:2024-02-29",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildIndexedQuery(&tt.query, "C1"))
		})
	}
}

func TestSearch_ReportsTruncatedHistoryScan(t *testing.T) {
	tests := []struct {
		name      string
		scanLimit int
		limit     int
		want      []string
	}{
		{name: "上限まで読んでも件数が足りない", scanLimit: 2, limit: 10, want: []string{"D2"}},
		{name: "件数を満たしている", scanLimit: 2, limit: 1, want: nil},
		{name: "履歴をすべて読めた", scanLimit: 100, limit: 10, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels, messages, users := newSearchFixture()
			opts := testOptions()
			opts.Search.HistoryScanLimit = tt.scanLimit
			s := NewSession(Repositories{Channels: channels, Messages: messages, Users: users}, opts, nil)
			t.Cleanup(s.Close)

			result, _, err := s.Search(context.Background(), domain.SearchQuery{
				Text:       "deploy",
				ChannelIDs: []string{"C1", "D2"},
				Limit:      tt.limit,
			})

			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Truncated)
		})
	}
}

func TestSearch_PartialFailureKeepsEarlierPages(t *testing.T) {
	tests := []struct {
		name        string
		failCursor  string
		wantPartial bool
		wantTS      []string
	}{
		{name: "2ページ目で失敗", failCursor: "2", wantPartial: true, wantTS: []string{"D2@1700000090"}},
		{name: "最初のページで失敗", failCursor: "", wantPartial: false, wantTS: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels, messages, users := newSearchFixture()
			messages.historyErr["D2"] = apiErr("conversations.history", "internal_error")
			messages.historyErrCursor = map[string]string{"D2": tt.failCursor}
			s := newFixtureSession(t, channels, messages, users)

			result, _, err := s.Search(context.Background(), domain.SearchQuery{
				Text:       "deploy",
				ChannelIDs: []string{"D2"},
			})

			require.NoError(t, err)
			assert.Equal(t, tt.wantTS, timestamps(result.Messages))
			require.Len(t, result.Failures, 1)
			assert.Equal(t, "D2", result.Failures[0].ChannelID)
			assert.Equal(t, tt.wantPartial, result.Failures[0].Partial)
		})
	}
}
