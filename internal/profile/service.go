// Package profile は外部IDプロバイダのイベントからユーザープロフィールを維持する。
package profile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
)

// Service はプロフィール管理のサービス層。プロフィールはアクターにつき1件で、削除しない。
type Service struct {
	userID   string
	profiles repository.ProfileRepository
	now      func() time.Time
}

// NewService はuserIDのプロフィールを扱うServiceを生成する。
func NewService(userID string, profiles repository.ProfileRepository) *Service {
	return &Service{
		userID:   userID,
		profiles: profiles,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyIdentityEvent はuser.created/user.updatedイベントをプロフィールに反映する。
// それ以外のイベント種別と、内容に変化のないイベントは何も書き込まずにapplied=falseを返す。
// 呼び出し元のトランザクション内で実行する。
func (s *Service) ApplyIdentityEvent(ctx context.Context, clock *repository.VersionClock, ev model.IdentityEvent) (*model.UserProfile, bool, error) {
	switch ev.Type {
	case model.IdentityEventUserCreated, model.IdentityEventUserUpdated:
	default:
		slog.Info("未対応のIDイベントを無視しました", "user_id", s.userID, "type", ev.Type)
		return nil, false, nil
	}

	current, err := s.profiles.Find(ctx)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	next := &model.UserProfile{
		ID:        s.userID,
		Email:     strings.TrimSpace(ev.Data.Email),
		FirstName: strings.TrimSpace(ev.Data.FirstName),
		LastName:  strings.TrimSpace(ev.Data.LastName),
		ImageURL:  strings.TrimSpace(ev.Data.ImageURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if current != nil {
		if sameDisplayFields(current, next) {
			return current, false, nil
		}
		next.CreatedAt = current.CreatedAt
	}

	version, err := clock.Next(ctx)
	if err != nil {
		return nil, false, err
	}
	next.Version = version
	if err := s.profiles.Upsert(ctx, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// Get はプロフィールを返す。未作成の場合はnil。
func (s *Service) Get(ctx context.Context) (*model.UserProfile, error) {
	return s.profiles.Find(ctx)
}

func sameDisplayFields(a, b *model.UserProfile) bool {
	return a.Email == b.Email && a.FirstName == b.FirstName &&
		a.LastName == b.LastName && a.ImageURL == b.ImageURL
}
