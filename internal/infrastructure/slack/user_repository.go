package slack

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// UserRepository はSlack APIを使用してユーザー情報を取得するリポジトリ
type UserRepository struct {
	client *slack.Client

	// slack-goのページング状態は外から組み立てられないため、
	// 発行した不透明なカーソルごとに保持する
	mu      sync.Mutex
	cursors map[string]slack.UserPagination
}

// NewUserRepository は新しいUserRepositoryを作成する
func NewUserRepository(client *slack.Client) *UserRepository {
	return &UserRepository{
		client:  client,
		cursors: make(map[string]slack.UserPagination),
	}
}

// ListUsers はユーザーディレクトリの1ページを取得する
func (r *UserRepository) ListUsers(ctx context.Context, cursor string, limit int) (domain.Page[domain.User], error) {
	var p slack.UserPagination
	if cursor == "" {
		var opts []slack.GetUsersOption
		if limit > 0 {
			opts = append(opts, slack.GetUsersOptionLimit(limit))
		}
		p = r.client.GetUsersPaginated(opts...)
	} else {
		var ok bool
		if p, ok = r.take(cursor); !ok {
			return domain.Page[domain.User]{}, &domain.APIError{Op: "users.list", Code: "invalid_cursor"}
		}
	}

	next, err := p.Next(ctx)
	if p.Done(err) {
		return domain.Page[domain.User]{}, nil
	}
	if err = p.Failure(err); err != nil {
		// 再試行できるよう同じカーソルで状態を戻す
		if cursor != "" {
			r.put(cursor, p)
		}
		return domain.Page[domain.User]{}, wrapError("users.list", err)
	}

	users := make([]domain.User, 0, len(next.Users))
	for i := range next.Users {
		users = append(users, convertToDomainUser(&next.Users[i]))
	}

	nextCursor := uuid.NewString()
	r.put(nextCursor, next)
	return domain.Page[domain.User]{Items: users, NextCursor: nextCursor}, nil
}

// FindByID は1ユーザーのプロフィールを取得する
func (r *UserRepository) FindByID(ctx context.Context, userID string) (*domain.User, error) {
	userInfo, err := r.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, wrapError("users.info", err)
	}
	user := convertToDomainUser(userInfo)
	return &user, nil
}

func (r *UserRepository) take(cursor string) (slack.UserPagination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.cursors[cursor]
	delete(r.cursors, cursor)
	return p, ok
}

func (r *UserRepository) put(cursor string, p slack.UserPagination) {
	r.mu.Lock()
	r.cursors[cursor] = p
	r.mu.Unlock()
}

// convertToDomainUser はSlackのUserをドメインモデルに変換する
func convertToDomainUser(u *slack.User) domain.User {
	return domain.User{
		ID:              u.ID,
		Name:            u.Name,
		DisplayName:     u.Profile.DisplayName,
		ProfileRealName: u.Profile.RealName,
		RealName:        u.RealName,
		IsBot:           u.IsBot,
		Deleted:         u.Deleted,
	}
}
