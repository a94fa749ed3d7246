package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuery は呼び出し元に即座に返す不正な検索条件
var ErrInvalidQuery = errors.New("不正な検索条件")

// Slack APIのエラー識別子
const (
	CodeRateLimited     = "ratelimited"
	CodeNotInChannel    = "not_in_channel"
	CodeChannelNotFound = "channel_not_found"
	CodeUserNotFound    = "user_not_found"
	CodeUsersNotFound   = "users_not_found"
	CodeUserNotVisible  = "user_not_visible"
)

// APIError はリモートAPI呼び出しの失敗を表す
type APIError struct {
	Op   string // 呼び出した操作（例: "conversations.history"）
	Code string // Slackのエラー識別子。通信エラーなどでは空
	// RetryAfter はサーバーが指定した待機時間（レート制限時のみ）
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ErrorClass はエラーをどう扱うかの分類
type ErrorClass int

const (
	// ClassRetryable はレート制限。ゲートのバックオフで再試行する
	ClassRetryable ErrorClass = iota
	// ClassEmptyResult は正常な空の結果として扱う
	ClassEmptyResult
	// ClassUnknownEntity はプレースホルダーに置き換える
	ClassUnknownEntity
	// ClassPermanentChannelFailure は記録した上でそのチャンネルの結果を空にする
	ClassPermanentChannelFailure
	// ClassFatalConfiguration は呼び出し元にそのまま返す
	ClassFatalConfiguration
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassEmptyResult:
		return "empty_result"
	case ClassUnknownEntity:
		return "unknown_entity"
	case ClassPermanentChannelFailure:
		return "permanent_channel_failure"
	case ClassFatalConfiguration:
		return "fatal_configuration"
	default:
		return "unknown"
	}
}

// Classify はエラーを分類する
func Classify(err error) ErrorClass {
	if errors.Is(err, ErrInvalidQuery) {
		return ClassFatalConfiguration
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ClassPermanentChannelFailure
	}
	switch apiErr.Code {
	case CodeRateLimited, "rate_limited":
		return ClassRetryable
	case CodeNotInChannel, CodeChannelNotFound:
		return ClassEmptyResult
	case CodeUserNotFound, CodeUsersNotFound, CodeUserNotVisible:
		return ClassUnknownEntity
	default:
		return ClassPermanentChannelFailure
	}
}

// ClassifyForChannel はチャンネル種別を考慮してエラーを分類する
// not_in_channel / channel_not_found が空の結果になるのはDM系のみ
func ClassifyForChannel(err error, kind ChannelKind) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanentChannelFailure
	}
	class := Classify(err)
	if class == ClassEmptyResult && !kind.IsDirect() {
		return ClassPermanentChannelFailure
	}
	return class
}

// IsRateLimited はレート制限エラーかどうかを返す
func IsRateLimited(err error) bool {
	return err != nil && Classify(err) == ClassRetryable
}

// RetryAfter はレート制限エラーからサーバー指定の待機時間を取り出す
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
