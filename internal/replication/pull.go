package replication

import (
	"context"
	"sort"

	"github.com/hitoshi/inboxsync/internal/model"
)

// パッチのキー接頭辞
const (
	keyPrefixItem     = "item/"
	keyPrefixUserItem = "userItem/"
	keyPrefixSource   = "source/"
	keyProfile        = "profile"
)

// Pull はsinceVersionより後に変更された行をパッチとして返す。
// パッチはキー順に並ぶため、同じカーソルでのpullは同じ結果になる。
//
//   - sinceVersion == 現在のバージョン: 空のパッチ
//   - sinceVersion > 現在のバージョン: ストアが再作成されたとみなし、clearと全件を返す
func (l *Ledger) Pull(ctx context.Context, req model.PullRequest) (*model.PullResult, error) {
	if req.SinceVersion < 0 {
		return nil, model.NewValidationError("sinceVersion must not be negative")
	}

	var result *model.PullResult
	err := l.tx.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := l.meta.Version(ctx)
		if err != nil {
			return err
		}
		result = &model.PullResult{
			Version:               current,
			Patches:               []model.PatchOp{},
			LastMutationIDChanges: map[string]int64{},
		}

		since := req.SinceVersion
		if since > current {
			result.Reset = true
			result.Patches = append(result.Patches, model.PatchOp{Op: model.PatchOpClear})
			since = 0
		}
		if since == current {
			return nil
		}

		patches, err := l.collectPatches(ctx, since)
		if err != nil {
			return err
		}
		result.Patches = append(result.Patches, patches...)

		if req.ClientGroupID != "" {
			clients, err := l.clients.ListByGroupChangedSince(ctx, req.ClientGroupID, since)
			if err != nil {
				return err
			}
			for _, c := range clients {
				result.LastMutationIDChanges[c.ID] = c.LastMutationID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.recorder.ObservePullPatches(len(result.Patches))
	return result, nil
}

// collectPatches はsinceより後に変更された行をキー順のパッチにする。
func (l *Ledger) collectPatches(ctx context.Context, since int64) ([]model.PatchOp, error) {
	var patches []model.PatchOp

	userItems, err := l.userItems.ListChangedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for i := range userItems {
		patches = append(patches, model.PatchOp{Op: model.PatchOpPut, Key: keyPrefixUserItem + userItems[i].ID, Value: userItems[i]})
	}

	items, err := l.items.ListChangedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for i := range items {
		patches = append(patches, model.PatchOp{Op: model.PatchOpPut, Key: keyPrefixItem + items[i].ID, Value: items[i]})
	}

	sources, err := l.sources.ListChangedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		patches = append(patches, model.PatchOp{Op: model.PatchOpPut, Key: keyPrefixSource + sources[i].ID, Value: sources[i]})
	}

	profile, err := l.profiles.Find(ctx)
	if err != nil {
		return nil, err
	}
	if profile != nil && profile.Version > since {
		patches = append(patches, model.PatchOp{Op: model.PatchOpPut, Key: keyProfile, Value: *profile})
	}

	// 初回pullのクライアントは削除済みの行を持っていない
	if since > 0 {
		tombstones, err := l.tombstones.ListChangedSince(ctx, since)
		if err != nil {
			return nil, err
		}
		for _, t := range tombstones {
			if t.Entity == model.EntitySource {
				patches = append(patches, model.PatchOp{Op: model.PatchOpDel, Key: keyPrefixSource + t.EntityID})
			}
		}
	}

	sort.SliceStable(patches, func(i, j int) bool { return patches[i].Key < patches[j].Key })
	return patches, nil
}
