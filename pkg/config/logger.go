package config

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger はログ設定からロガーを作成する
// Development なら人が読みやすいコンソール形式、そうでなければJSON形式で出力する
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("ログレベルが不正です: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
