// Package triage はユーザーアイテムの状態遷移（INBOX/BOOKMARKED/ARCHIVED）を提供する。
package triage

import (
	"context"
	"time"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
)

// StateMachine はユーザーアイテムの状態遷移を行う。
// すべての状態間の遷移を許可し、終端状態はない。
type StateMachine struct {
	userItems repository.UserItemRepository
	now       func() time.Time
}

// NewStateMachine はStateMachineを生成する。
func NewStateMachine(userItems repository.UserItemRepository) *StateMachine {
	return &StateMachine{
		userItems: userItems,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Transition はuserItemIDのアイテムをtargetへ遷移させる。
// 呼び出し元のトランザクション内で実行し、変更があった場合のみclockでバージョンを払い出す。
// 現在と同じ状態への遷移は何も書き込まずに成功し、changed=falseを返す。
func (m *StateMachine) Transition(
	ctx context.Context,
	clock *repository.VersionClock,
	userItemID string,
	target model.ItemState,
) (item *model.UserItem, changed bool, err error) {
	if !target.Valid() {
		return nil, false, model.NewInvalidStateError(string(target))
	}

	item, err = m.userItems.FindByID(ctx, userItemID)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, model.NewItemNotFoundError(userItemID)
	}

	if !apply(item, target, m.now()) {
		return item, false, nil
	}

	version, err := clock.Next(ctx)
	if err != nil {
		return nil, false, err
	}
	item.Version = version
	if err := m.userItems.UpdateState(ctx, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// apply は状態とタイムスタンプを更新する。状態が変わらない場合はfalseを返す。
//   - BOOKMARKED: bookmarked_atを設定し、archived_atを消す
//   - ARCHIVED: archived_atを設定する。bookmarked_atは残す
//   - INBOX: 両方を消す
func apply(item *model.UserItem, target model.ItemState, now time.Time) bool {
	if item.State == target {
		return false
	}
	item.State = target
	switch target {
	case model.ItemStateBookmarked:
		item.BookmarkedAt = &now
		item.ArchivedAt = nil
	case model.ItemStateArchived:
		item.ArchivedAt = &now
	case model.ItemStateInbox:
		item.BookmarkedAt = nil
		item.ArchivedAt = nil
	}
	return true
}
