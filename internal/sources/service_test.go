package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
	"github.com/hitoshi/inboxsync/internal/store"
	"github.com/hitoshi/inboxsync/internal/store/storetest"
)

func inTx(t *testing.T, st *store.Store, fn func(ctx context.Context, clock *repository.VersionClock) error) (int64, error) {
	t.Helper()
	var version int64
	err := st.WithTransaction(context.Background(), func(ctx context.Context) error {
		clock := repository.NewVersionClock(repository.NewMetaRepo(st))
		if err := fn(ctx, clock); err != nil {
			return err
		}
		var err error
		version, err = clock.Commit(ctx)
		return err
	})
	return version, err
}

func TestSubscribe_IsIdempotentOnProviderID(t *testing.T) {
	st := storetest.Open(t)
	svc := NewService(repository.NewSourceRepo(st), repository.NewTombstoneRepo(st))

	var first, second *model.Source
	v1, err := inTx(t, st, func(ctx context.Context, clock *repository.VersionClock) error {
		var created bool
		var err error
		first, created, err = svc.Subscribe(ctx, clock, SubscribeRequest{Provider: "youtube", ProviderID: " UC1 ", Name: "Channel"})
		assert.True(t, created)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, model.ProviderYouTube, first.Provider)
	assert.Equal(t, "UC1", first.ProviderID)

	v2, err := inTx(t, st, func(ctx context.Context, clock *repository.VersionClock) error {
		var created bool
		var err error
		second, created, err = svc.Subscribe(ctx, clock, SubscribeRequest{Provider: model.ProviderYouTube, ProviderID: "UC1"})
		assert.False(t, created)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v2, "existing source must not bump version")
	assert.Equal(t, first.ID, second.ID)
}

func TestSubscribe_Validation(t *testing.T) {
	st := storetest.Open(t)
	svc := NewService(repository.NewSourceRepo(st), repository.NewTombstoneRepo(st))

	cases := []SubscribeRequest{
		{Provider: "MYSPACE", ProviderID: "x"},
		{Provider: model.ProviderRSS, ProviderID: ""},
		{Provider: model.ProviderRSS, ProviderID: "https://example.com/feed", Config: "{broken"},
	}
	for _, req := range cases {
		_, err := inTx(t, st, func(ctx context.Context, clock *repository.VersionClock) error {
			_, _, err := svc.Subscribe(ctx, clock, req)
			return err
		})
		assert.True(t, model.IsValidationError(err), "request %+v", req)
	}
}

func TestUnsubscribe_DeletesAndWritesTombstone(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	tombstones := repository.NewTombstoneRepo(st)
	seen := repository.NewSeenRepo(st)
	svc := NewService(repository.NewSourceRepo(st), tombstones)

	var src *model.Source
	_, err := inTx(t, st, func(ctx context.Context, clock *repository.VersionClock) error {
		var err error
		src, _, err = svc.Subscribe(ctx, clock, SubscribeRequest{Provider: model.ProviderSpotify, ProviderID: "show-1"})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, seen.Record(ctx, src.ID, "ep-1", time.Now().UTC()))

	v, err := inTx(t, st, func(ctx context.Context, clock *repository.VersionClock) error {
		return svc.Unsubscribe(ctx, clock, src.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = svc.Get(ctx, src.ID)
	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeSourceNotFound, apiErr.Code)

	n, err := seen.CountBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ts, err := tombstones.ListChangedSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, src.ID, ts[0].EntityID)
	assert.Equal(t, int64(2), ts[0].Version)

	_, err = inTx(t, st, func(ctx context.Context, clock *repository.VersionClock) error {
		return svc.Unsubscribe(ctx, clock, src.ID)
	})
	apiErr, ok = model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeSourceNotFound, apiErr.Code)
}
