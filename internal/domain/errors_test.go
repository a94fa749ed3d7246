package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{name: "レート制限", err: &APIError{Op: "conversations.history", Code: CodeRateLimited}, expected: ClassRetryable},
		{name: "チャンネル未参加", err: &APIError{Code: CodeNotInChannel}, expected: ClassEmptyResult},
		{name: "チャンネルなし", err: &APIError{Code: CodeChannelNotFound}, expected: ClassEmptyResult},
		{name: "ユーザーなし", err: &APIError{Code: CodeUserNotFound}, expected: ClassUnknownEntity},
		{name: "その他のAPIエラー", err: &APIError{Code: "invalid_auth"}, expected: ClassPermanentChannelFailure},
		{name: "ラップされたエラー", err: fmt.Errorf("取得失敗: %w", &APIError{Code: CodeRateLimited}), expected: ClassRetryable},
		{name: "APIError以外", err: errors.New("connection reset"), expected: ClassPermanentChannelFailure},
		{name: "不正な検索条件", err: fmt.Errorf("%w: x", ErrInvalidQuery), expected: ClassFatalConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyForChannel(t *testing.T) {
	notInChannel := &APIError{Op: "conversations.history", Code: CodeNotInChannel}

	if got := ClassifyForChannel(notInChannel, KindDirectMessage); got != ClassEmptyResult {
		t.Errorf("DM: %v, want empty_result", got)
	}
	if got := ClassifyForChannel(notInChannel, KindGroupDirectMessage); got != ClassEmptyResult {
		t.Errorf("グループDM: %v, want empty_result", got)
	}
	if got := ClassifyForChannel(notInChannel, KindPublic); got != ClassPermanentChannelFailure {
		t.Errorf("公開チャンネル: %v, want permanent_channel_failure", got)
	}
	if got := ClassifyForChannel(context.DeadlineExceeded, KindDirectMessage); got != ClassPermanentChannelFailure {
		t.Errorf("タイムアウト: %v, want permanent_channel_failure", got)
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &APIError{Code: CodeRateLimited, RetryAfter: 3 * time.Second})
	if !IsRateLimited(err) {
		t.Fatalf("IsRateLimited() = false")
	}
	if got := RetryAfter(err); got != 3*time.Second {
		t.Errorf("RetryAfter() = %v, want 3s", got)
	}
	if RetryAfter(errors.New("x")) != 0 {
		t.Errorf("APIError以外は0であるべきです")
	}
}
