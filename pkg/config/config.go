// Package config は設定ファイルと環境変数から設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/gate"
	"github.com/Tattsum/slack-client-core/internal/service"
)

// envPrefix は設定値を上書きする環境変数の接頭辞（例: SLACKCORE_GATE_MAX_CONCURRENT）
const envPrefix = "SLACKCORE"

type Config struct {
	Slack     SlackConfig     `mapstructure:"slack"`
	Log       LogConfig       `mapstructure:"log"`
	Gate      GateConfig      `mapstructure:"gate"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Search    SearchConfig    `mapstructure:"search"`
	Reactions ReactionsConfig `mapstructure:"reactions"`
	Users     UsersConfig     `mapstructure:"users"`
}

type SlackConfig struct {
	Token           string `mapstructure:"token"`
	APIURL          string `mapstructure:"api_url"`
	ChannelPageSize int    `mapstructure:"channel_page_size"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type GateConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MinSpacing      time.Duration `mapstructure:"min_spacing"`
	DMSpacingFactor float64       `mapstructure:"dm_spacing_factor"`
	BaseBackoff     time.Duration `mapstructure:"base_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type CacheConfig struct {
	ChannelTTL  time.Duration `mapstructure:"channel_ttl"`
	UserTTL     time.Duration `mapstructure:"user_ttl"`
	KindTTL     time.Duration `mapstructure:"kind_ttl"`
	ReactionTTL time.Duration `mapstructure:"reaction_ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
}

type SearchConfig struct {
	DefaultLimit     int           `mapstructure:"default_limit"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PageSize         int           `mapstructure:"page_size"`
	HistoryScanLimit int           `mapstructure:"history_scan_limit"`
}

type ReactionsConfig struct {
	BatchSize            int `mapstructure:"batch_size"`
	MaxConcurrentBatches int `mapstructure:"max_concurrent_batches"`
}

type UsersConfig struct {
	DirectoryLimit int `mapstructure:"directory_limit"`
	PageSize       int `mapstructure:"page_size"`
	MaxConcurrent  int `mapstructure:"max_concurrent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.api_url", "")
	v.SetDefault("slack.channel_page_size", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("gate.max_concurrent", 30)
	v.SetDefault("gate.min_spacing", 20*time.Millisecond)
	v.SetDefault("gate.dm_spacing_factor", 2.0)
	v.SetDefault("gate.base_backoff", time.Second)
	v.SetDefault("gate.max_backoff", 60*time.Second)
	v.SetDefault("gate.multiplier", 2.0)
	v.SetDefault("gate.max_retries", 5)
	v.SetDefault("cache.channel_ttl", 30*time.Minute)
	v.SetDefault("cache.user_ttl", 30*time.Minute)
	v.SetDefault("cache.kind_ttl", 0)
	v.SetDefault("cache.reaction_ttl", 0)
	v.SetDefault("cache.max_entries", cache.DefaultMaxEntries)
	v.SetDefault("search.default_limit", 100)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.page_size", 100)
	v.SetDefault("search.history_scan_limit", 1000)
	v.SetDefault("reactions.batch_size", 50)
	v.SetDefault("reactions.max_concurrent_batches", 4)
	v.SetDefault("users.directory_limit", 5000)
	v.SetDefault("users.page_size", 200)
	v.SetDefault("users.max_concurrent", 10)
}

// LoadConfig は設定を読み込む。path が空なら設定ファイルは読まない
// 環境変数 SLACK_USER_TOKEN / SLACK_API_URL と SLACKCORE_<セクション>_<キー> が設定ファイルより優先される
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("slack.token", "SLACK_USER_TOKEN", envPrefix+"_SLACK_TOKEN"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("slack.api_url", "SLACK_API_URL", envPrefix+"_SLACK_API_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル読み込みエラー: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("設定の解析エラー: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	var errs []error
	positive := []struct {
		key   string
		value int
	}{
		{"gate.max_concurrent", c.Gate.MaxConcurrent},
		{"cache.max_entries", c.Cache.MaxEntries},
		{"search.default_limit", c.Search.DefaultLimit},
		{"search.page_size", c.Search.PageSize},
		{"search.history_scan_limit", c.Search.HistoryScanLimit},
		{"reactions.batch_size", c.Reactions.BatchSize},
		{"reactions.max_concurrent_batches", c.Reactions.MaxConcurrentBatches},
		{"users.page_size", c.Users.PageSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s は正の値である必要があります: %d", p.key, p.value))
		}
	}
	if c.Gate.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("gate.max_retries は0以上である必要があります: %d", c.Gate.MaxRetries))
	}
	if c.Gate.MaxBackoff < c.Gate.BaseBackoff {
		errs = append(errs, fmt.Errorf("gate.max_backoff は gate.base_backoff 以上である必要があります"))
	}
	if c.Users.DirectoryLimit < 0 {
		errs = append(errs, fmt.Errorf("users.directory_limit は0以上である必要があります: %d", c.Users.DirectoryLimit))
	}
	return errors.Join(errs...)
}

// SessionOptions はセッションに渡す設定値を返す
func (c *Config) SessionOptions() service.Options {
	return service.Options{
		Gate: gate.Config{
			MaxConcurrent:              c.Gate.MaxConcurrent,
			MinSpacing:                 c.Gate.MinSpacing,
			DirectMessageSpacingFactor: c.Gate.DMSpacingFactor,
			BaseBackoff:                c.Gate.BaseBackoff,
			MaxBackoff:                 c.Gate.MaxBackoff,
			Multiplier:                 c.Gate.Multiplier,
			MaxRetries:                 c.Gate.MaxRetries,
		},
		Cache: cache.TTLConfig{
			Channels:   c.Cache.ChannelTTL,
			Users:      c.Cache.UserTTL,
			Kinds:      c.Cache.KindTTL,
			Reactions:  c.Cache.ReactionTTL,
			MaxEntries: c.Cache.MaxEntries,
		},
		Search: service.SearchOptions{
			DefaultLimit:     c.Search.DefaultLimit,
			Timeout:          c.Search.Timeout,
			PageSize:         c.Search.PageSize,
			HistoryScanLimit: c.Search.HistoryScanLimit,
			MaxConcurrent:    c.Gate.MaxConcurrent,
		},
		Reactions: service.ReactionOptions{
			BatchSize:            c.Reactions.BatchSize,
			MaxConcurrentBatches: c.Reactions.MaxConcurrentBatches,
		},
		Users: service.UserOptions{
			DirectoryLimit: c.Users.DirectoryLimit,
			PageSize:       c.Users.PageSize,
			MaxConcurrent:  c.Users.MaxConcurrent,
		},
		ChannelPageSize: c.Slack.ChannelPageSize,
	}
}
