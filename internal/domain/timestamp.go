package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp はSlackのタイムスタンプ文字列（"1700000000.000100"）をtime.Timeに変換する
func ParseTimestamp(ts string) (time.Time, error) {
	sec, micro, err := splitTimestamp(ts)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, micro*int64(time.Microsecond)), nil
}

// CompareTimestamps は2つのタイムスタンプを比較する
// a < b なら負、a == b なら0、a > b なら正を返す。解析できない値は文字列として比較する
func CompareTimestamps(a, b string) int {
	as, am, errA := splitTimestamp(a)
	bs, bm, errB := splitTimestamp(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	case am != bm:
		if am < bm {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// FormatUnix はUnix秒をSlack APIのoldest/latestパラメータ形式に変換する
func FormatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func splitTimestamp(ts string) (int64, int64, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	if secPart == "" {
		return 0, 0, fmt.Errorf("無効なタイムスタンプ: %q", ts)
	}
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("タイムスタンプ解析エラー: %w", err)
	}
	if fracPart == "" {
		return sec, 0, nil
	}
	// マイクロ秒の6桁に揃える
	if len(fracPart) > 6 {
		fracPart = fracPart[:6]
	}
	fracPart += strings.Repeat("0", 6-len(fracPart))
	micro, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("タイムスタンプ解析エラー: %w", err)
	}
	return sec, micro, nil
}
