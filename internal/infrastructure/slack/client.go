package slack

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// NewClient はSlackクライアントを作成する
// apiURL が空でなければAPIの接続先を差し替える（テストやプロキシ用）
func NewClient(token, apiURL string) *slack.Client {
	var opts []slack.Option
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return slack.New(token, opts...)
}

// wrapError はslack-goのエラーを *domain.APIError に変換する
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return &domain.APIError{Op: op, Code: domain.CodeRateLimited, RetryAfter: rateErr.RetryAfter, Err: err}
	}

	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return &domain.APIError{Op: op, Code: slackErr.Err, Err: err}
	}

	msg := err.Error()
	if isRateLimitError(err) {
		retryAfter := time.Duration(extractRetryAfter(msg)) * time.Second
		return &domain.APIError{Op: op, Code: domain.CodeRateLimited, RetryAfter: retryAfter, Err: err}
	}
	// 一部のAPIはエラー識別子をそのままメッセージにしたエラーを返す
	if isErrorCode(msg) {
		return &domain.APIError{Op: op, Code: msg, Err: err}
	}
	return &domain.APIError{Op: op, Err: err}
}

// isErrorCode はSlackのエラー識別子（例: "not_in_channel"）の形式かどうかを返す
func isErrorCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

// isRateLimitError はレート制限エラーかチェック
func isRateLimitError(err error) bool {
	return strings.Contains(err.Error(), "rate limit exceeded")
}

// extractRetryAfter はエラーメッセージからretry-after秒数を抽出
func extractRetryAfter(errMsg string) int {
	_, after, found := strings.Cut(errMsg, "retry after ")
	if !found {
		return 0
	}
	timeStr := strings.TrimSuffix(strings.TrimSpace(after), "s")
	retryAfter, err := strconv.Atoi(timeStr)
	if err != nil {
		return 0
	}
	return retryAfter
}
