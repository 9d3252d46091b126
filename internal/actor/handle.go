package actor

import (
	"context"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/sources"
)

// Handle は1ユーザーのアクターへの参照。
// アクターが停止していても次の操作で新しいアクターが起動するため、保持し続けてよい。
type Handle struct {
	registry *Registry
	userID   string
}

// UserID はハンドルのユーザーIDを返す。
func (h *Handle) UserID() string {
	return h.userID
}

// do はアクターのゴルーチンでfnを実行し、完了を待つ。
func (h *Handle) do(ctx context.Context, op string, fn func(ctx context.Context, e *Engine) error) error {
	for {
		a, err := h.registry.actorFor(h.userID)
		if err != nil {
			return err
		}
		req := request{ctx: ctx, op: op, fn: fn, done: make(chan error, 1)}
		select {
		case a.mailbox <- req:
			// 受け付けた操作はctxのキャンセルでも完了かロールバックまで待つ
			return <-req.done
		case <-a.stopped:
			// 停止したアクターに当たった場合は新しいアクターで再試行する
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ingest はソースのアイテムを取り込む。
func (h *Handle) Ingest(ctx context.Context, sourceID string, items []model.ProviderItem) (*model.IngestResult, error) {
	var res *model.IngestResult
	err := h.do(ctx, "ingest", func(ctx context.Context, e *Engine) error {
		var err error
		res, err = e.Ingest(ctx, sourceID, items)
		if err == nil {
			h.registry.recorder.RecordIngest(res)
		}
		return err
	})
	return res, err
}

// Transition はユーザーアイテムの状態を変更し、変更後のアイテムとバージョンを返す。
func (h *Handle) Transition(ctx context.Context, userItemID string, target model.ItemState) (*model.UserItem, int64, error) {
	var (
		item    *model.UserItem
		version int64
	)
	err := h.do(ctx, "transition", func(ctx context.Context, e *Engine) error {
		var err error
		item, version, err = e.Transition(ctx, userItemID, target)
		return err
	})
	return item, version, err
}

// Push はクライアントのミューテーションを適用する。
func (h *Handle) Push(ctx context.Context, req model.PushRequest) (*model.PushResult, error) {
	var res *model.PushResult
	err := h.do(ctx, "push", func(ctx context.Context, e *Engine) error {
		var err error
		res, err = e.Push(ctx, req)
		return err
	})
	return res, err
}

// Pull はカーソル以降の変更を返す。
func (h *Handle) Pull(ctx context.Context, req model.PullRequest) (*model.PullResult, error) {
	var res *model.PullResult
	err := h.do(ctx, "pull", func(ctx context.Context, e *Engine) error {
		var err error
		res, err = e.Pull(ctx, req)
		return err
	})
	return res, err
}

// Subscribe はソースを登録する。
func (h *Handle) Subscribe(ctx context.Context, req sources.SubscribeRequest) (*model.Source, bool, error) {
	var (
		src     *model.Source
		created bool
	)
	err := h.do(ctx, "subscribe", func(ctx context.Context, e *Engine) error {
		var err error
		src, created, err = e.Subscribe(ctx, req)
		return err
	})
	return src, created, err
}

// Unsubscribe はソースを削除する。
func (h *Handle) Unsubscribe(ctx context.Context, sourceID string) (int64, error) {
	var version int64
	err := h.do(ctx, "unsubscribe", func(ctx context.Context, e *Engine) error {
		var err error
		version, err = e.Unsubscribe(ctx, sourceID)
		return err
	})
	return version, err
}

// GetSource はソースを返す。
func (h *Handle) GetSource(ctx context.Context, sourceID string) (*model.Source, error) {
	var src *model.Source
	err := h.do(ctx, "get_source", func(ctx context.Context, e *Engine) error {
		var err error
		src, err = e.GetSource(ctx, sourceID)
		return err
	})
	return src, err
}

// ListSources は全ソースを返す。
func (h *Handle) ListSources(ctx context.Context) ([]model.Source, error) {
	var list []model.Source
	err := h.do(ctx, "list_sources", func(ctx context.Context, e *Engine) error {
		var err error
		list, err = e.ListSources(ctx)
		return err
	})
	return list, err
}

// ApplyIdentityEvent はIDプロバイダのイベントをプロフィールに反映する。
func (h *Handle) ApplyIdentityEvent(ctx context.Context, ev model.IdentityEvent) (*model.UserProfile, bool, error) {
	var (
		p       *model.UserProfile
		applied bool
	)
	err := h.do(ctx, "identity_event", func(ctx context.Context, e *Engine) error {
		var err error
		p, applied, err = e.ApplyIdentityEvent(ctx, ev)
		return err
	})
	return p, applied, err
}

// SchemaStatus はマイグレーション状況を返す。
func (h *Handle) SchemaStatus(ctx context.Context) (*SchemaStatus, error) {
	var status *SchemaStatus
	err := h.do(ctx, "schema_status", func(ctx context.Context, e *Engine) error {
		var err error
		status, err = e.SchemaStatus(ctx)
		return err
	})
	return status, err
}
