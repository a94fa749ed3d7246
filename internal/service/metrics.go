package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slackcore_search_duration_seconds",
		Help:    "検索の同期フェーズにかかった時間",
		Buckets: prometheus.DefBuckets,
	})
	channelFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slackcore_search_channel_failures_total",
		Help: "検索で結果に寄与できなかったチャンネル数",
	}, []string{"class"})
	reactionBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slackcore_reaction_batches_total",
		Help: "処理したリアクション取得バッチ数",
	})
	reactionUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slackcore_reaction_updates_total",
		Help: "リアクション更新イベント数（emitted: 配信, stale: 古い検索のため破棄）",
	}, []string{"result"})
)
