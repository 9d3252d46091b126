package replication

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/inboxsync/internal/ingest"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
	"github.com/hitoshi/inboxsync/internal/security"
	"github.com/hitoshi/inboxsync/internal/sources"
	"github.com/hitoshi/inboxsync/internal/store"
	"github.com/hitoshi/inboxsync/internal/store/storetest"
	"github.com/hitoshi/inboxsync/internal/triage"
)

type recorderSpy struct {
	outcomes []string
	resyncs  int
	patches  []int
}

func (r *recorderSpy) RecordMutation(outcome string) { r.outcomes = append(r.outcomes, outcome) }
func (r *recorderSpy) RecordResync()                 { r.resyncs++ }
func (r *recorderSpy) ObservePullPatches(n int)      { r.patches = append(r.patches, n) }

type fixture struct {
	st        *store.Store
	ledger    *Ledger
	pipeline  *ingest.Pipeline
	sources   *sources.Service
	userItems *repository.UserItemRepo
	clients   *repository.ClientRepo
	meta      *repository.MetaRepo
	recorder  *recorderSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t)
	f := &fixture{
		st:        st,
		userItems: repository.NewUserItemRepo(st),
		clients:   repository.NewClientRepo(st),
		meta:      repository.NewMetaRepo(st),
		recorder:  &recorderSpy{},
	}
	sourceRepo := repository.NewSourceRepo(st)
	tombstones := repository.NewTombstoneRepo(st)
	items := repository.NewCanonicalItemRepo(st)
	f.pipeline = ingest.NewPipeline(ingest.Deps{
		Tx:        st,
		Sources:   sourceRepo,
		Items:     items,
		UserItems: f.userItems,
		Seen:      repository.NewSeenRepo(st),
		Meta:      f.meta,
		Sanitizer: security.NewContentSanitizer(),
	})
	f.sources = sources.NewService(sourceRepo, tombstones)

	ledger, err := NewLedger(Deps{
		Tx:           st,
		Clients:      f.clients,
		Meta:         f.meta,
		Items:        items,
		UserItems:    f.userItems,
		Sources:      sourceRepo,
		Profiles:     repository.NewProfileRepo(st),
		Tombstones:   tombstones,
		Triage:       triage.NewStateMachine(f.userItems),
		Saver:        f.pipeline,
		Remover:      f.sources,
		Recorder:     f.recorder,
		MaxMutations: 10,
	})
	require.NoError(t, err)
	f.ledger = ledger

	require.NoError(t, sourceRepo.Create(context.Background(), &model.Source{
		ID: "src-1", Provider: model.ProviderYouTube, ProviderID: "UC1", Name: "channel", CreatedAt: time.Now().UTC(),
	}))
	return f
}

// ingestOne はsrc-1にyt-1を取り込み、ユーザーアイテムIDを返す。version=1になる。
func (f *fixture) ingestOne(t *testing.T) string {
	t.Helper()
	res, err := f.pipeline.Ingest(context.Background(), "src-1", []model.ProviderItem{{ProviderItemID: "yt-1", Title: "A"}})
	require.NoError(t, err)
	require.Len(t, res.UserItemIDs, 1)
	return res.UserItemIDs[0]
}

func (f *fixture) version(t *testing.T) int64 {
	t.Helper()
	v, err := f.meta.Version(context.Background())
	require.NoError(t, err)
	return v
}

func (f *fixture) lastMutationID(t *testing.T, clientID string) int64 {
	t.Helper()
	c, err := f.clients.FindByID(context.Background(), clientID)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.LastMutationID
}

func mutation(t *testing.T, id int64, name string, args any) model.Mutation {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return model.Mutation{ID: id, Name: name, Args: raw}
}

func push(clientID string, mutations ...model.Mutation) model.PushRequest {
	return model.PushRequest{ClientID: clientID, ClientGroupID: "g1", Mutations: mutations}
}

func TestPush_BookmarkThenReplayIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)
	require.Equal(t, int64(1), f.version(t))

	bookmark := mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID})

	res, err := f.ledger.Push(ctx, push("c1", bookmark))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AppliedUpTo)
	assert.Equal(t, int64(2), res.Version)
	assert.Empty(t, res.Errors)

	ui, err := f.userItems.FindByID(ctx, userItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStateBookmarked, ui.State)
	require.NotNil(t, ui.BookmarkedAt)
	bookmarkedAt := *ui.BookmarkedAt

	// 再送
	res, err = f.ledger.Push(ctx, push("c1", bookmark))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AppliedUpTo)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, int64(2), f.version(t))
	assert.Equal(t, int64(1), f.lastMutationID(t, "c1"))

	ui, err = f.userItems.FindByID(ctx, userItemID)
	require.NoError(t, err)
	assert.True(t, bookmarkedAt.Equal(*ui.BookmarkedAt))
	assert.Equal(t, []string{OutcomeApplied, OutcomeDuplicate}, f.recorder.outcomes)
}

func TestPush_ReingestKeepsBookmarkedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	_, err := f.ledger.Push(ctx, push("c1", mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID})))
	require.NoError(t, err)

	res, err := f.pipeline.Ingest(ctx, "src-1", []model.ProviderItem{{ProviderItemID: "yt-1", Title: "A"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	ui, err := f.userItems.FindByID(ctx, userItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStateBookmarked, ui.State)
	assert.Equal(t, int64(2), f.version(t))
}

func TestPush_OrdersMutationsByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	res, err := f.ledger.Push(ctx, push("c1",
		mutation(t, 2, "archiveItem", map[string]string{"userItemId": userItemID}),
		mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID}),
	))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.AppliedUpTo)
	assert.Equal(t, int64(3), res.Version)

	ui, err := f.userItems.FindByID(ctx, userItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStateArchived, ui.State)
	assert.NotNil(t, ui.BookmarkedAt)
	assert.NotNil(t, ui.ArchivedAt)
}

func TestPush_GapRequiresResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	_, err := f.ledger.Push(ctx, push("c1",
		mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID}),
		mutation(t, 3, "archiveItem", map[string]string{"userItemId": userItemID}),
	))
	require.Error(t, err)
	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeResyncRequired, apiErr.Code)
	assert.EqualValues(t, 1, apiErr.Details["appliedUpTo"])
	assert.Equal(t, 1, f.recorder.resyncs)

	// ギャップより前のミューテーションはコミット済み
	assert.Equal(t, int64(1), f.lastMutationID(t, "c1"))
	ui, err := f.userItems.FindByID(ctx, userItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStateBookmarked, ui.State)
	assert.Equal(t, int64(2), f.version(t))
}

func TestPush_RejectedMutationConsumesID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	tests := []struct {
		name     string
		mutation model.Mutation
		wantCode string
	}{
		{"存在しないアイテム", mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": "missing"}), model.ErrCodeItemNotFound},
		{"不正な状態", mutation(t, 2, "updateItemState", map[string]string{"userItemId": userItemID, "state": "DELETED"}), model.ErrCodeInvalidState},
		{"未知のミューテーション", mutation(t, 3, "deleteEverything", map[string]string{}), model.ErrCodeUnknownMutation},
		{"引数の欠落", mutation(t, 4, "archiveItem", map[string]string{}), model.ErrCodeInvalidMutationArgs},
		{"存在しないソース", mutation(t, 5, "unsubscribeSource", map[string]string{"sourceId": "nope"}), model.ErrCodeSourceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.version(t)
			res, err := f.ledger.Push(ctx, push("c1", tt.mutation))
			require.NoError(t, err)
			assert.Equal(t, tt.mutation.ID, res.AppliedUpTo)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tt.wantCode, res.Errors[0].Code)
			assert.Equal(t, tt.mutation.ID, res.Errors[0].MutationID)
			assert.Equal(t, before+1, f.version(t))
		})
	}

	ui, err := f.userItems.FindByID(ctx, userItemID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStateInbox, ui.State)
	assert.Equal(t, int64(5), f.lastMutationID(t, "c1"))
}

func TestPush_RejectionRollsBackPartialEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// contentTypeが不正なので保存は拒否され、何も作成されない
	res, err := f.ledger.Push(ctx, push("c1", mutation(t, 1, "saveItem", map[string]string{
		"url": "https://example.com/a", "contentType": "hologram",
	})))
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)

	var n int
	require.NoError(t, f.st.DB.Get(&n, `SELECT COUNT(*) FROM canonical_items`))
	assert.Equal(t, 0, n)
}

func TestPush_SaveItemCreatesInboxItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.ledger.Push(ctx, push("c1", mutation(t, 1, "saveItem", map[string]string{
		"url": "https://example.com/post", "title": "Post",
	})))
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, int64(1), res.Version)

	pulled, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 0, ClientGroupID: "g1"})
	require.NoError(t, err)
	keys := patchKeys(pulled.Patches)
	require.Len(t, keys, 2)
	assert.Regexp(t, `^item/`, keys[0])
	assert.Regexp(t, `^userItem/`, keys[1])
}

func TestPush_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		req  model.PushRequest
	}{
		{"clientIdなし", model.PushRequest{ClientGroupID: "g1"}},
		{"clientGroupIdなし", model.PushRequest{ClientID: "c1"}},
		{"0のID", push("c1", model.Mutation{ID: 0, Name: "bookmarkItem"})},
		{"上限超過", push("c1", make([]model.Mutation, 11)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Push(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, model.IsValidationError(err))
		})
	}
	assert.Equal(t, int64(0), f.version(t))
}

func TestPush_ClientGroupMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	_, err := f.ledger.Push(ctx, push("c1", mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID})))
	require.NoError(t, err)

	req := push("c1", mutation(t, 2, "archiveItem", map[string]string{"userItemId": userItemID}))
	req.ClientGroupID = "g2"
	_, err = f.ledger.Push(ctx, req)
	require.Error(t, err)
	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeClientGroupMismatch, apiErr.Code)
	assert.Equal(t, int64(1), f.lastMutationID(t, "c1"))
}

func TestPush_EmptyReportsCurrentState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	_, err := f.ledger.Push(ctx, push("c1", mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID})))
	require.NoError(t, err)

	res, err := f.ledger.Push(ctx, push("c1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AppliedUpTo)
	assert.Equal(t, int64(2), res.Version)
}

func patchKeys(patches []model.PatchOp) []string {
	keys := make([]string, 0, len(patches))
	for _, p := range patches {
		keys = append(keys, p.Key)
	}
	return keys
}

func TestPull_ReturnsBookmarkedItemSinceVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	_, err := f.ledger.Push(ctx, push("c1", mutation(t, 1, "bookmarkItem", map[string]string{"userItemId": userItemID})))
	require.NoError(t, err)

	res, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 1, ClientGroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
	assert.False(t, res.Reset)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, model.PatchOpPut, res.Patches[0].Op)
	assert.Equal(t, "userItem/"+userItemID, res.Patches[0].Key)
	ui, ok := res.Patches[0].Value.(model.UserItem)
	require.True(t, ok)
	assert.Equal(t, model.ItemStateBookmarked, ui.State)
	assert.Equal(t, map[string]int64{"c1": 1}, res.LastMutationIDChanges)
	assert.Equal(t, []int{1}, f.recorder.patches)
}

func TestPull_CurrentVersionIsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingestOne(t)

	res, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.Empty(t, res.Patches)
	assert.Empty(t, res.LastMutationIDChanges)
}

func TestPull_FromZeroReturnsSortedFullState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingestOne(t)

	res, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 0})
	require.NoError(t, err)
	keys := patchKeys(res.Patches)
	// src-1はテストで直接作成したためversion=0で、pull対象にならない
	require.Len(t, keys, 2)
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestPull_CursorAheadResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ingestOne(t)

	res, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 99})
	require.NoError(t, err)
	assert.True(t, res.Reset)
	assert.Equal(t, int64(1), res.Version)
	require.Len(t, res.Patches, 3)
	assert.Equal(t, model.PatchOpClear, res.Patches[0].Op)
}

func TestPull_NegativeSinceIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Pull(context.Background(), model.PullRequest{SinceVersion: -1})
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))
}

func TestPull_UnsubscribeEmitsDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var src *model.Source
	err := f.st.WithTransaction(ctx, func(ctx context.Context) error {
		clock := repository.NewVersionClock(f.meta)
		var err error
		src, _, err = f.sources.Subscribe(ctx, clock, sources.SubscribeRequest{Provider: "rss", ProviderID: "https://example.com/feed.xml", Name: "blog"})
		if err != nil {
			return err
		}
		_, err = clock.Commit(ctx)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), f.version(t))

	_, err = f.ledger.Push(ctx, push("c1", mutation(t, 1, "unsubscribeSource", map[string]string{"sourceId": src.ID})))
	require.NoError(t, err)

	res, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 1})
	require.NoError(t, err)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, model.PatchOp{Op: model.PatchOpDel, Key: "source/" + src.ID}, res.Patches[0])

	// 初回pullには削除を含めない
	res, err = f.ledger.Pull(ctx, model.PullRequest{SinceVersion: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Patches)
}

func TestPull_IsSupersetOfLaterChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userItemID := f.ingestOne(t)

	for i, name := range []string{"bookmarkItem", "archiveItem"} {
		_, err := f.ledger.Push(ctx, push("c1", mutation(t, int64(i+1), name, map[string]string{"userItemId": userItemID})))
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), f.version(t))

	var previous map[string]bool
	for since := int64(2); since >= 0; since-- {
		res, err := f.ledger.Pull(ctx, model.PullRequest{SinceVersion: since})
		require.NoError(t, err)
		keys := map[string]bool{}
		for _, p := range res.Patches {
			keys[p.Key] = true
		}
		for k := range previous {
			assert.True(t, keys[k], "since=%d に %s が含まれない", since, k)
		}
		previous = keys
	}
}
