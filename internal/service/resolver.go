package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tattsum/slack-client-core/internal/cache"
	"github.com/Tattsum/slack-client-core/internal/domain"
	"github.com/Tattsum/slack-client-core/internal/gate"
	"github.com/Tattsum/slack-client-core/internal/pagination"
)

// directoryKey はユーザーディレクトリのキャッシュキー
const directoryKey = "all"

// UserOptions はユーザー解決の設定
type UserOptions struct {
	DirectoryLimit int // ディレクトリ取得の最大件数（0なら無制限）
	PageSize       int
	MaxConcurrent  int // 個別取得の同時実行数
}

// DefaultUserOptions はデフォルト設定を返す
func DefaultUserOptions() UserOptions {
	return UserOptions{
		DirectoryLimit: 5000,
		PageSize:       200,
		MaxConcurrent:  10,
	}
}

// UserResolver はユーザーIDを表示名に解決するサービス
type UserResolver struct {
	users      domain.UserRepository
	gate       *gate.Gate
	directory  *cache.Cache[map[string]domain.User]
	identities *cache.Cache[domain.UserIdentity]
	opts       UserOptions
	logger     *zap.Logger
}

// NewUserResolver は新しいUserResolverを作成する
func NewUserResolver(users domain.UserRepository, g *gate.Gate, caches *cache.Service, opts UserOptions, logger *zap.Logger) *UserResolver {
	def := DefaultUserOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserResolver{
		users:      users,
		gate:       g,
		directory:  caches.Directory,
		identities: caches.Identities,
		opts:       opts,
		logger:     logger.With(zap.String("component", "resolver")),
	}
}

// Resolve はユーザーの表示名を解決する。失敗をエラーとして返すことはない
//   - ディレクトリに存在しないユーザー（外部ユーザーなど）はプレースホルダーになり、キャッシュされる
//   - 一時的な失敗ではIDをそのまま表示名にし、キャッシュしない
func (r *UserResolver) Resolve(ctx context.Context, userID string) domain.UserIdentity {
	return r.resolve(ctx, userID, false)
}

func (r *UserResolver) resolve(ctx context.Context, userID string, force bool) domain.UserIdentity {
	if userID == "" {
		return domain.FallbackIdentity(userID)
	}

	identity, err := r.identities.Fetch(ctx, userID, force, func(ctx context.Context) (domain.UserIdentity, error) {
		return r.lookup(ctx, userID, force)
	})
	if err != nil {
		r.logger.Warn("ユーザー情報の取得に失敗したためIDを表示します",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return domain.FallbackIdentity(userID)
	}
	return identity
}

// lookup はディレクトリ、ユーザー情報APIの順に表示名を探す。force ならディレクトリを使わない
func (r *UserResolver) lookup(ctx context.Context, userID string, force bool) (domain.UserIdentity, error) {
	if !force {
		if dir, ok := r.directory.Get(directoryKey); ok {
			if user, exists := dir[userID]; exists {
				return user.Identity(), nil
			}
		}
	}

	user, err := gate.Call(ctx, r.gate, gate.ClassUsers, func(ctx context.Context) (*domain.User, error) {
		return r.users.FindByID(ctx, userID)
	})
	if err != nil {
		if domain.Classify(err) == domain.ClassUnknownEntity {
			r.logger.Debug("ディレクトリにないユーザーをプレースホルダーにします", zap.String("user_id", userID))
			return domain.PlaceholderIdentity(userID), nil
		}
		return domain.UserIdentity{}, err
	}
	return user.Identity(), nil
}

// ResolveMany は複数ユーザーの表示名を並行して解決する。force ならキャッシュを使わない
func (r *UserResolver) ResolveMany(ctx context.Context, userIDs []string, force bool) map[string]domain.UserIdentity {
	result := make(map[string]domain.UserIdentity, len(userIDs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.opts.MaxConcurrent)
	for _, id := range uniqueStrings(userIDs) {
		if id == "" {
			continue
		}
		g.Go(func() error {
			identity := r.resolve(ctx, id, force)
			mu.Lock()
			result[id] = identity
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// LoadDirectory はユーザーディレクトリを取得し、表示名キャッシュに反映する
// 件数上限に達した時点でページングを打ち切る
func (r *UserResolver) LoadDirectory(ctx context.Context, force bool) (map[string]domain.User, error) {
	return r.directory.Fetch(ctx, directoryKey, force, func(ctx context.Context) (map[string]domain.User, error) {
		users, err := pagination.FetchAll(ctx, r.gate, gate.ClassUsers, r.users.ListUsers, pagination.Options{
			PageLimit: r.opts.PageSize,
			MaxItems:  r.opts.DirectoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("ユーザー一覧取得エラー: %w", err)
		}

		userMap := make(map[string]domain.User, len(users))
		for _, u := range users {
			userMap[u.ID] = u
			r.identities.Set(u.ID, u.Identity())
		}
		r.logger.Debug("ユーザーディレクトリを取得しました", zap.Int("users", len(userMap)))
		return userMap, nil
	})
}

// FindByName はユーザー名からユーザーを検索する
// ユーザー名・表示名・実名のいずれかに大文字小文字を区別せず一致するものを返す
func (r *UserResolver) FindByName(ctx context.Context, name string, force bool) (*domain.User, error) {
	allUsers, err := r.LoadDirectory(ctx, force)
	if err != nil {
		return nil, err
	}

	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if user, ok := allUsers[name]; ok {
		return &user, nil
	}
	for _, user := range allUsers {
		if strings.EqualFold(user.Name, name) ||
			strings.EqualFold(user.DisplayName, name) ||
			strings.EqualFold(user.ProfileRealName, name) ||
			strings.EqualFold(user.RealName, name) {
			return &user, nil
		}
	}

	return nil, fmt.Errorf("ユーザー '%s' が見つかりません", name)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
