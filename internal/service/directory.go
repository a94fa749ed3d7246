package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
	"github.com/Tattsum/slack-client-core/internal/pagination"
)

const channelsKey = "all"

// ChannelDirectory はチャンネル・DMの一覧を取得するサービス
// 一覧で観測した種別は ChannelClassifier に記録する
type ChannelDirectory struct {
	channels   domain.ChannelRepository
	gate       *gate.Gate
	cache      *cache.Cache[[]domain.Channel]
	classifier *ChannelClassifier
	resolver   *UserResolver
	pageSize   int
	logger     *zap.Logger
}

// NewChannelDirectory は新しいChannelDirectoryを作成する
// resolver が nil の場合、DMの名前は相手のユーザーIDになる
func NewChannelDirectory(channels domain.ChannelRepository, g *gate.Gate, caches *cache.Service, classifier *ChannelClassifier, resolver *UserResolver, pageSize int, logger *zap.Logger) *ChannelDirectory {
	if pageSize <= 0 {
		pageSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelDirectory{
		channels:   channels,
		gate:       g,
		cache:      caches.Channels,
		classifier: classifier,
		resolver:   resolver,
		pageSize:   pageSize,
		logger:     logger.With(zap.String("component", "directory")),
	}
}

// List はチャンネルとDMの一覧を返す。force なら鮮度に関わらず取得し直す
// 片方の一覧だけ取得できた場合は、取得できた分を返してキャッシュする
func (d *ChannelDirectory) List(ctx context.Context, force bool) ([]domain.Channel, error) {
	channels, err := d.cache.Fetch(ctx, channelsKey, force, func(ctx context.Context) ([]domain.Channel, error) {
		return d.load(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	// 種別キャッシュだけが消えている場合に備えて毎回反映する
	d.classifier.ObserveAll(channels)
	return channels, nil
}

func (d *ChannelDirectory) load(ctx context.Context, force bool) ([]domain.Channel, error) {
	var (
		channels, directs       []domain.Channel
		channelsErr, directsErr error
	)

	// 一方の失敗でもう一方を中止しないよう、コンテキストは共有しない
	var g errgroup.Group
	g.Go(func() error {
		channels, channelsErr = pagination.FetchAll(ctx, d.gate, gate.ClassDefault, d.channels.ListChannels, pagination.Options{PageLimit: d.pageSize})
		return nil
	})
	g.Go(func() error {
		directs, directsErr = pagination.FetchAll(ctx, d.gate, gate.ClassDirectMessage, d.channels.ListDirectMessageChannels, pagination.Options{PageLimit: d.pageSize})
		return nil
	})
	_ = g.Wait()

	switch {
	case channelsErr != nil && directsErr != nil:
		return nil, fmt.Errorf("チャンネル一覧取得エラー: %w", errors.Join(channelsErr, directsErr))
	case channelsErr != nil:
		d.logger.Warn("チャンネル一覧を取得できないためDMのみ使います", zap.Error(channelsErr))
		channels = nil
	case directsErr != nil:
		d.logger.Warn("DM一覧を取得できないためチャンネルのみ使います", zap.Error(directsErr))
		directs = nil
	}

	d.nameDirectMessages(ctx, directs, force)

	all := make([]domain.Channel, 0, len(channels)+len(directs))
	all = append(all, channels...)
	all = append(all, directs...)
	d.classifier.ObserveAll(all)

	d.logger.Debug("チャンネル一覧を取得しました",
		zap.Int("channels", len(channels)),
		zap.Int("direct_messages", len(directs)),
	)
	return all, nil
}

// nameDirectMessages はDMの名前を相手ユーザーの表示名にする
func (d *ChannelDirectory) nameDirectMessages(ctx context.Context, directs []domain.Channel, force bool) {
	var userIDs []string
	for _, ch := range directs {
		if ch.Kind == domain.KindDirectMessage && ch.UserID != "" {
			userIDs = append(userIDs, ch.UserID)
		}
	}
	if len(userIDs) == 0 {
		return
	}

	var identities map[string]domain.UserIdentity
	if d.resolver != nil {
		identities = d.resolver.ResolveMany(ctx, userIDs, force)
	}
	for i := range directs {
		ch := &directs[i]
		if ch.Kind != domain.KindDirectMessage || ch.UserID == "" {
			continue
		}
		if identity, ok := identities[ch.UserID]; ok {
			ch.Name = identity.Name
		} else if ch.Name == "" {
			ch.Name = ch.UserID
		}
	}
}

// FindByName はチャンネル名またはIDからチャンネルを検索する
// "#general" のような先頭の # は無視する
func (d *ChannelDirectory) FindByName(ctx context.Context, name string, force bool) (*domain.Channel, error) {
	channels, err := d.List(ctx, force)
	if err != nil {
		return nil, err
	}

	name = strings.TrimPrefix(strings.TrimSpace(name), "#")
	for i := range channels {
		if channels[i].ID == name || channels[i].Name == name {
			ch := channels[i]
			return &ch, nil
		}
	}
	for i := range channels {
		if strings.EqualFold(channels[i].Name, name) {
			ch := channels[i]
			return &ch, nil
		}
	}

	return nil, fmt.Errorf("チャンネル '%s' が見つかりません", name)
}

// EnsureKinds は種別が未確定のチャンネルがあれば一覧を取得して種別を確定させる
// 一覧の取得に失敗した場合は推定にまかせる
func (d *ChannelDirectory) EnsureKinds(ctx context.Context, channelIDs []string, force bool) {
	if !force {
		missing := false
		for _, id := range channelIDs {
			if _, ok := d.classifier.Known(id); !ok {
				missing = true
				break
			}
		}
		if !missing {
			return
		}
	}

	if _, err := d.List(ctx, force); err != nil {
		d.logger.Warn("チャンネル一覧を取得できないため種別を推定します", zap.Error(err))
	}
}
