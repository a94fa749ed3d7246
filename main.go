package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tattsum/slack-client-core/internal/domain"
	infraslack "github.com/Tattsum/slack-client-core/internal/infrastructure/slack"
	"github.com/Tattsum/slack-client-core/internal/service"
	"github.com/Tattsum/slack-client-core/pkg/config"
)

// reactionDrainTimeout はリアクション取得完了後に残りのイベントを待つ時間
const reactionDrainTimeout = 200 * time.Millisecond

func main() {
	// コマンドライン引数の定義
	channelNames := flag.String("channel", "", "検索対象のチャンネル名またはID（カンマ区切り、必須）")
	text := flag.String("query", "", "検索テキスト（省略可）")
	userName := flag.String("user", "", "投稿者のユーザー名またはID（省略可）")
	startDate := flag.String("start", "", "開始日時（YYYY-MM-DD形式、省略可）")
	endDate := flag.String("end", "", "終了日時（YYYY-MM-DD形式、省略可）")
	limit := flag.Int("limit", 0, "取得する最大件数（省略時は設定値）")
	configPath := flag.String("config", "", "設定ファイルのパス（省略可）")
	force := flag.Bool("force", false, "チャンネル・ユーザーのキャッシュを使わずに取得する")
	flag.Parse()

	// チャンネル名が指定されていない場合はエラー
	if *channelNames == "" {
		fmt.Println("エラー: チャンネル名を指定してください")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの初期化に失敗しました: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Slack.Token == "" {
		logger.Fatal("環境変数 SLACK_USER_TOKEN が設定されていません")
	}

	dateRange, err := parseDateRange(*startDate, *endDate)
	if err != nil {
		logger.Fatal("日付範囲が無効です", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Slackクライアントとセッションの初期化
	client := infraslack.NewClient(cfg.Slack.Token, cfg.Slack.APIURL)
	session := service.NewSession(service.Repositories{
		Channels: infraslack.NewChannelRepository(client),
		Messages: infraslack.NewMessageRepository(client),
		Users:    infraslack.NewUserRepository(client),
	}, cfg.SessionOptions(), logger)
	defer session.Close()

	query := domain.SearchQuery{
		Text:         *text,
		DateRange:    dateRange,
		Limit:        *limit,
		ForceRefresh: *force,
	}

	// チャンネル名からチャンネルIDを取得
	for _, name := range strings.Split(*channelNames, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		ch, err := session.FindChannel(ctx, name, *force)
		if err != nil {
			logger.Fatal("チャンネルの取得に失敗しました", zap.String("channel", name), zap.Error(err))
		}
		query.ChannelIDs = append(query.ChannelIDs, ch.ID)
	}

	if *userName != "" {
		user, err := session.FindUser(ctx, *userName, *force)
		if err != nil {
			logger.Fatal("ユーザーの取得に失敗しました", zap.String("user", *userName), zap.Error(err))
		}
		query.UserID = user.ID
	}

	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	result, handle, err := session.Search(ctx, query)
	if err != nil {
		logger.Fatal("検索に失敗しました", zap.Error(err))
	}

	printMessages(result)
	printFailures(result.Failures)

	messages := awaitReactions(ctx, result, handle, events, logger)
	printSummary(service.Summarize(messages, result.Users))
}

// parseDateRange は YYYY-MM-DD 形式の開始日・終了日から日付範囲を作成する
func parseDateRange(startDate, endDate string) (*domain.DateRange, error) {
	if startDate == "" && endDate == "" {
		return nil, nil
	}
	var dr domain.DateRange
	if startDate != "" {
		startTime, err := time.ParseInLocation("2006-01-02", startDate, time.Local)
		if err != nil {
			return nil, fmt.Errorf("開始日時の形式が無効です: %w", err)
		}
		dr.Start = startTime
	}
	if endDate != "" {
		endTime, err := time.ParseInLocation("2006-01-02", endDate, time.Local)
		if err != nil {
			return nil, fmt.Errorf("終了日時の形式が無効です: %w", err)
		}
		// 指定日の終わり（23:59:59）を設定
		dr.End = endTime.Add(24*time.Hour - time.Second)
	}
	if !dr.IsValid() {
		return nil, fmt.Errorf("開始日時が終了日時より後です")
	}
	return &dr, nil
}

// awaitReactions はリアクション取得の完了までイベントを受け取り、メッセージに反映する
func awaitReactions(ctx context.Context, result *service.SearchResult, handle *service.Handle, events <-chan service.ReactionsUpdated, logger *zap.Logger) []domain.Message {
	messages := append([]domain.Message(nil), result.Messages...)
	pending := 0
	for _, m := range messages {
		if !m.ReactionsLoaded() {
			pending++
		}
	}

	apply := func(ev service.ReactionsUpdated) {
		if ev.Token != result.Token || ev.Index < 0 || ev.Index >= len(messages) {
			return
		}
		if !messages[ev.Index].ReactionsLoaded() {
			pending--
		}
		messages[ev.Index] = messages[ev.Index].WithReactions(ev.Reactions)
	}

	done := handle.Done()
	for pending > 0 {
		select {
		case ev, ok := <-events:
			if !ok {
				return messages
			}
			apply(ev)
		case <-done:
			// 完了後に届く残りのイベントを受け取る
			done = nil
			timer := time.NewTimer(reactionDrainTimeout)
			for drained := false; !drained && pending > 0; {
				select {
				case ev, ok := <-events:
					if !ok {
						timer.Stop()
						return messages
					}
					apply(ev)
				case <-timer.C:
					drained = true
				}
			}
			timer.Stop()
			return messages
		case <-ctx.Done():
			handle.Cancel()
			logger.Warn("リアクション取得を中断しました", zap.Int("pending", pending))
			return messages
		}
	}
	return messages
}

func printMessages(result *service.SearchResult) {
	fmt.Printf("\n===== 検索結果 %d件 (%s) =====\n", len(result.Messages), result.Elapsed.Round(time.Millisecond))
	for _, msg := range result.Messages {
		name := msg.UserID
		if identity, ok := result.Users[msg.UserID]; ok {
			name = identity.Name
		}
		fmt.Printf("[%s] %s%s %s: %s\n", msg.Time().Format("2006-01-02 15:04"), threadMark(&msg), msg.ChannelID, name, truncate(msg.Text, 100))
	}
}

func printFailures(failures []service.ChannelFailure) {
	if len(failures) == 0 {
		return
	}
	fmt.Println("\n===== 取得に失敗したチャンネル =====")
	for _, f := range failures {
		partial := ""
		if f.Partial {
			partial = "（途中まで取得）"
		}
		fmt.Printf("%s%s: %v\n", f.ChannelID, partial, f.Err)
	}
}

func printSummary(summary *service.ResultSummary) {
	fmt.Println("\n===== 最も使用されたスタンプ TOP3 =====")
	for i, emoji := range summary.EmojiStats {
		if i >= 3 {
			break
		}
		fmt.Printf("%d位: :%s: - %d回\n", i+1, emoji.Emoji, emoji.Count)
	}

	fmt.Println("\n===== 最もリアクションがついたメッセージ TOP3 =====")
	for i, msg := range summary.MessageStats {
		if i >= 3 {
			break
		}
		fmt.Printf("%d位: %s\nリアクション数: %d\n\n", i+1, truncate(msg.Text, 100), msg.Reactions)
	}

	fmt.Println("\n===== 最も投稿数が多いユーザー TOP10 =====")
	for i, user := range summary.UserStats {
		if i >= 10 {
			break
		}
		fmt.Printf("%d位: %s - %d投稿\n", i+1, user.UserName, user.Count)
	}

	if summary.Pending > 0 {
		fmt.Printf("\n※ %d件のメッセージはリアクションを取得できませんでした\n", summary.Pending)
	}
}

// threadMark はスレッドの親と返信に印を付ける
func threadMark(msg *domain.Message) string {
	switch {
	case msg.IsThreadParent():
		return "[スレッド] "
	case msg.IsThreadReply():
		return "[返信] "
	default:
		return ""
	}
}

// truncate はメッセージが長い場合に省略する
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
