package service

import (
	"go.uber.org/zap"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
)

// ChannelClassifier はチャンネル種別を判定するサービス
// 一覧APIで観測した確定した種別をキャッシュし、なければIDのプレフィックスから推定する
type ChannelClassifier struct {
	kinds  *cache.Cache[domain.ChannelKind]
	logger *zap.Logger
}

// NewChannelClassifier は新しいChannelClassifierを作成する
func NewChannelClassifier(kinds *cache.Cache[domain.ChannelKind], logger *zap.Logger) *ChannelClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelClassifier{
		kinds:  kinds,
		logger: logger.With(zap.String("component", "classifier")),
	}
}

// Classify はチャンネル種別を返す
func (c *ChannelClassifier) Classify(channelID string) domain.ChannelKind {
	return c.ClassifyNamed(channelID, "")
}

// ClassifyNamed はチャンネル名のヒントも使って種別を返す
// 推定結果はキャッシュしない
func (c *ChannelClassifier) ClassifyNamed(channelID, name string) domain.ChannelKind {
	if kind, ok := c.Known(channelID); ok {
		return kind
	}
	return domain.KindFromHints(channelID, name)
}

// Known は確定した種別が観測済みならそれを返す
func (c *ChannelClassifier) Known(channelID string) (domain.ChannelKind, bool) {
	kind, ok := c.kinds.Get(channelID)
	if !ok || !kind.IsConcrete() {
		return domain.KindUnknown, false
	}
	return kind, true
}

// Observe は一覧APIなどで確定した種別を記録する
// Unknown の観測は無視し、記録済みの種別を Unknown に戻すことはない
func (c *ChannelClassifier) Observe(channelID string, kind domain.ChannelKind) {
	if !kind.IsConcrete() {
		return
	}
	current, _ := c.Known(channelID)
	upgraded := current.Upgrade(kind)
	if upgraded != current {
		c.logger.Debug("チャンネル種別を記録しました",
			zap.String("channel_id", channelID),
			zap.Stringer("from", current),
			zap.Stringer("to", upgraded),
		)
	}
	c.kinds.Set(channelID, upgraded)
}

// ObserveAll はチャンネル一覧の種別をまとめて記録する
func (c *ChannelClassifier) ObserveAll(channels []domain.Channel) {
	for _, ch := range channels {
		c.Observe(ch.ID, ch.Kind)
	}
}
