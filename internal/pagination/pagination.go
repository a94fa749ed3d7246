// Package pagination はカーソル方式のAPIを辿って全ページを集約する。
package pagination

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
)

// ErrPartialPage は途中のページ取得に失敗したことを示す
var ErrPartialPage = errors.New("ページ取得が途中で失敗しました")

// PartialPageError は途中のページで失敗したときのエラー
// 呼び出し元は FetchAll が返した途中までの結果を使うか破棄するかを選べる
type PartialPageError struct {
	Page      int    // 失敗したページ番号（0始まり）
	Cursor    string // 失敗したページのカーソル
	Collected int    // 失敗までに集めた件数
	Err       error
}

func (e *PartialPageError) Error() string {
	return fmt.Sprintf("%s (ページ %d, 取得済み %d件): %v", ErrPartialPage, e.Page, e.Collected, e.Err)
}

func (e *PartialPageError) Unwrap() []error {
	return []error{ErrPartialPage, e.Err}
}

// PageFunc は1ページを取得する関数
type PageFunc[T any] func(ctx context.Context, cursor string, limit int) (domain.Page[T], error)

// Options はページングの設定
type Options struct {
	PageLimit     int    // 1ページあたりの件数
	MaxItems      int    // 集める最大件数（0なら無制限）。満たした時点で打ち切る
	MaxPages      int    // 取得する最大ページ数（0なら無制限）
	InitialCursor string // 開始カーソル
}

// FetchAll は全ページを順に取得し、APIが返した順序のまま連結する
// 各ページの取得はゲートの許可を得て行う
func FetchAll[T any](ctx context.Context, g *gate.Gate, class gate.EndpointClass, fetch PageFunc[T], opts Options) ([]T, error) {
	var items []T
	cursor := opts.InitialCursor
	seen := make(map[string]struct{})

	for page := 0; ; page++ {
		if opts.MaxPages > 0 && page >= opts.MaxPages {
			return items, nil
		}

		limit := opts.PageLimit
		if opts.MaxItems > 0 {
			if remaining := opts.MaxItems - len(items); limit <= 0 || remaining < limit {
				limit = remaining
			}
		}

		current := cursor
		result, err := gate.Call(ctx, g, class, func(ctx context.Context) (domain.Page[T], error) {
			return fetch(ctx, current, limit)
		})
		if err != nil {
			if page == 0 {
				return nil, err
			}
			return items, &PartialPageError{Page: page, Cursor: current, Collected: len(items), Err: err}
		}

		items = append(items, result.Items...)
		if opts.MaxItems > 0 && len(items) >= opts.MaxItems {
			return items[:opts.MaxItems], nil
		}

		if result.NextCursor == "" {
			return items, nil
		}
		// 同じカーソルが返り続ける場合は打ち切る
		if _, dup := seen[result.NextCursor]; dup {
			return items, nil
		}
		seen[result.NextCursor] = struct{}{}
		cursor = result.NextCursor
	}
}
