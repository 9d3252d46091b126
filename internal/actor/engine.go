package actor

import (
	"context"

	"github.com/hitoshi/inboxsync/internal/database"
	"github.com/hitoshi/inboxsync/internal/ingest"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/profile"
	"github.com/hitoshi/inboxsync/internal/replication"
	"github.com/hitoshi/inboxsync/internal/repository"
	"github.com/hitoshi/inboxsync/internal/security"
	"github.com/hitoshi/inboxsync/internal/sources"
	"github.com/hitoshi/inboxsync/internal/store"
	"github.com/hitoshi/inboxsync/internal/triage"
)

// SchemaStatus はストアのマイグレーション状況。
type SchemaStatus struct {
	UserID         string                      `json:"userId"`
	CurrentVersion int                         `json:"currentVersion"`
	LatestVersion  int                         `json:"latestVersion"`
	Applied        []database.AppliedMigration `json:"applied"`
}

// Engine は1ユーザーのストアに対する操作をまとめる。
// アクターのゴルーチンからのみ呼び出される。
type Engine struct {
	store    *store.Store
	runner   *database.Runner
	meta     *repository.MetaRepo
	pipeline *ingest.Pipeline
	triage   *triage.StateMachine
	sources  *sources.Service
	profile  *profile.Service
	ledger   *replication.Ledger
}

// NewEngine はマイグレーション済みのストアからEngineを組み立てる。
func NewEngine(st *store.Store, runner *database.Runner, opts EngineOptions) (*Engine, error) {
	meta := repository.NewMetaRepo(st)
	items := repository.NewCanonicalItemRepo(st)
	userItems := repository.NewUserItemRepo(st)
	sourceRepo := repository.NewSourceRepo(st)
	profiles := repository.NewProfileRepo(st)
	tombstones := repository.NewTombstoneRepo(st)

	sanitizer := opts.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewContentSanitizer()
	}

	e := &Engine{
		store:  st,
		runner: runner,
		meta:   meta,
		pipeline: ingest.NewPipeline(ingest.Deps{
			Tx:        st,
			Sources:   sourceRepo,
			Items:     items,
			UserItems: userItems,
			Seen:      repository.NewSeenRepo(st),
			Meta:      meta,
			Sanitizer: sanitizer,
			MaxBatch:  opts.MaxIngestBatch,
		}),
		triage:  triage.NewStateMachine(userItems),
		sources: sources.NewService(sourceRepo, tombstones),
		profile: profile.NewService(st.UserID, profiles),
	}

	ledger, err := replication.NewLedger(replication.Deps{
		Tx:           st,
		Clients:      repository.NewClientRepo(st),
		Meta:         meta,
		Items:        items,
		UserItems:    userItems,
		Sources:      sourceRepo,
		Profiles:     profiles,
		Tombstones:   tombstones,
		Triage:       e.triage,
		Saver:        e.pipeline,
		Remover:      e.sources,
		Recorder:     opts.SyncRecorder,
		MaxMutations: opts.MaxMutations,
	})
	if err != nil {
		return nil, err
	}
	e.ledger = ledger
	return e, nil
}

// EngineOptions はEngineの設定。
type EngineOptions struct {
	MaxMutations   int
	MaxIngestBatch int
	Sanitizer      security.TextSanitizer
	SyncRecorder   replication.Recorder
}

// versioned はfnを1つのトランザクションで実行し、コミット後のバージョンを返す。
// fnがclock.Nextを呼ばなければバージョンは進まない。
func (e *Engine) versioned(ctx context.Context, fn func(ctx context.Context, clock *repository.VersionClock) error) (int64, error) {
	var version int64
	err := e.store.WithTransaction(ctx, func(ctx context.Context) error {
		clock := repository.NewVersionClock(e.meta)
		if err := fn(ctx, clock); err != nil {
			return err
		}
		v, err := clock.Commit(ctx)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

// Ingest はソースのアイテムを取り込む。
func (e *Engine) Ingest(ctx context.Context, sourceID string, items []model.ProviderItem) (*model.IngestResult, error) {
	return e.pipeline.Ingest(ctx, sourceID, items)
}

// Transition はユーザーアイテムの状態を変更する。
func (e *Engine) Transition(ctx context.Context, userItemID string, target model.ItemState) (*model.UserItem, int64, error) {
	var item *model.UserItem
	version, err := e.versioned(ctx, func(ctx context.Context, clock *repository.VersionClock) error {
		var err error
		item, _, err = e.triage.Transition(ctx, clock, userItemID, target)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return item, version, nil
}

// Push はクライアントのミューテーションを適用する。
func (e *Engine) Push(ctx context.Context, req model.PushRequest) (*model.PushResult, error) {
	return e.ledger.Push(ctx, req)
}

// Pull はカーソル以降の変更を返す。
func (e *Engine) Pull(ctx context.Context, req model.PullRequest) (*model.PullResult, error) {
	return e.ledger.Pull(ctx, req)
}

// Subscribe はソースを登録する。
func (e *Engine) Subscribe(ctx context.Context, req sources.SubscribeRequest) (*model.Source, bool, error) {
	var (
		src     *model.Source
		created bool
	)
	_, err := e.versioned(ctx, func(ctx context.Context, clock *repository.VersionClock) error {
		var err error
		src, created, err = e.sources.Subscribe(ctx, clock, req)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return src, created, nil
}

// Unsubscribe はソースを削除する。
func (e *Engine) Unsubscribe(ctx context.Context, sourceID string) (int64, error) {
	return e.versioned(ctx, func(ctx context.Context, clock *repository.VersionClock) error {
		return e.sources.Unsubscribe(ctx, clock, sourceID)
	})
}

// GetSource はソースを返す。
func (e *Engine) GetSource(ctx context.Context, sourceID string) (*model.Source, error) {
	return e.sources.Get(ctx, sourceID)
}

// ListSources は全ソースを返す。
func (e *Engine) ListSources(ctx context.Context) ([]model.Source, error) {
	return e.sources.List(ctx)
}

// ApplyIdentityEvent はIDプロバイダのイベントをプロフィールに反映する。
func (e *Engine) ApplyIdentityEvent(ctx context.Context, ev model.IdentityEvent) (*model.UserProfile, bool, error) {
	var (
		p       *model.UserProfile
		applied bool
	)
	_, err := e.versioned(ctx, func(ctx context.Context, clock *repository.VersionClock) error {
		var err error
		p, applied, err = e.profile.ApplyIdentityEvent(ctx, clock, ev)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return p, applied, nil
}

// SchemaStatus はマイグレーション状況を返す。
func (e *Engine) SchemaStatus(ctx context.Context) (*SchemaStatus, error) {
	applied, err := e.runner.Applied(ctx, e.store)
	if err != nil {
		return nil, err
	}
	status := &SchemaStatus{
		UserID:        e.store.UserID,
		LatestVersion: e.runner.CurrentSchemaVersion(),
		Applied:       applied,
	}
	for _, a := range applied {
		if a.Version > status.CurrentVersion {
			status.CurrentVersion = a.Version
		}
	}
	return status, nil
}
