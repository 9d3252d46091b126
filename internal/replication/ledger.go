// Package replication はReplicache互換のpush/pull同期プロトコルを提供する。
// クライアントごとのlast_mutation_idでミューテーションを高々1回だけ適用し、
// ストア全体で単調増加するバージョンをpullのカーソルとする。
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
	"github.com/hitoshi/inboxsync/internal/store"
)

// DefaultMaxMutations は1回のpushで受け付けるミューテーション数の既定上限。
const DefaultMaxMutations = 500

// ミューテーションの処理結果
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// Recorder は同期処理の計測を受け取る。
type Recorder interface {
	RecordMutation(outcome string)
	RecordResync()
	ObservePullPatches(n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordMutation(string)  {}
func (noopRecorder) RecordResync()          {}
func (noopRecorder) ObservePullPatches(int) {}

// errMutationRejected はミューテーションの効果を取り消すためにトランザクションを中断する。
var errMutationRejected = errors.New("mutation rejected")

// Deps はLedgerの依存。
type Deps struct {
	Tx         store.Transactor
	Clients    repository.ClientRepository
	Meta       repository.MetaRepository
	Items      repository.CanonicalItemRepository
	UserItems  repository.UserItemRepository
	Sources    repository.SourceRepository
	Profiles   repository.ProfileRepository
	Tombstones repository.TombstoneRepository

	Triage  ItemTransitioner
	Saver   ItemSaver
	Remover SourceRemover

	Recorder     Recorder
	MaxMutations int
}

// Ledger はミューテーション台帳とバージョンカウンタを管理する。
type Ledger struct {
	tx         store.Transactor
	clients    repository.ClientRepository
	meta       repository.MetaRepository
	items      repository.CanonicalItemRepository
	userItems  repository.UserItemRepository
	sources    repository.SourceRepository
	profiles   repository.ProfileRepository
	tombstones repository.TombstoneRepository

	mutators     map[string]mutator
	recorder     Recorder
	maxMutations int
	now          func() time.Time
}

// NewLedger はLedgerを生成する。
func NewLedger(d Deps) (*Ledger, error) {
	mutators, err := buildMutators(d.Triage, d.Saver, d.Remover)
	if err != nil {
		return nil, err
	}
	recorder := d.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	maxMutations := d.MaxMutations
	if maxMutations <= 0 {
		maxMutations = DefaultMaxMutations
	}
	return &Ledger{
		tx:           d.Tx,
		clients:      d.Clients,
		meta:         d.Meta,
		items:        d.Items,
		userItems:    d.UserItems,
		sources:      d.Sources,
		profiles:     d.Profiles,
		tombstones:   d.Tombstones,
		mutators:     mutators,
		recorder:     recorder,
		maxMutations: maxMutations,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Push はミューテーションをID昇順に、1件ずつ独立したトランザクションで適用する。
//
//   - id <= lastMutationId: 適用済みとしてスキップする
//   - id == lastMutationId+1: 適用し、lastMutationIdを進め、バージョンを1進める
//   - id > lastMutationId+1: RESYNC_REQUIREDを返す。それ以前の適用分はコミット済み
//
// 引数や対象が不正なミューテーションは効果を取り消したうえでIDを消費し、PushResult.Errorsに記録する。
func (l *Ledger) Push(ctx context.Context, req model.PushRequest) (*model.PushResult, error) {
	if req.ClientID == "" || req.ClientGroupID == "" {
		return nil, model.NewValidationError("clientId and clientGroupId are required")
	}
	if len(req.Mutations) > l.maxMutations {
		return nil, model.NewValidationError(fmt.Sprintf("too many mutations: %d (limit %d)", len(req.Mutations), l.maxMutations))
	}
	mutations := slices.Clone(req.Mutations)
	sort.SliceStable(mutations, func(i, j int) bool { return mutations[i].ID < mutations[j].ID })
	for _, m := range mutations {
		if m.ID < 1 {
			return nil, model.NewValidationError(fmt.Sprintf("mutation id must be positive: %d", m.ID))
		}
	}

	result := &model.PushResult{}
	for _, m := range mutations {
		lastID, rejection, err := l.processMutation(ctx, req, m)
		if err != nil {
			if apiErr, ok := model.AsAPIError(err); ok && apiErr.Code == model.ErrCodeResyncRequired {
				l.recorder.RecordResync()
				slog.Warn("ミューテーションIDの欠番を検出しました",
					"client_id", req.ClientID,
					"mutation_id", m.ID,
					"applied_up_to", lastID,
				)
			}
			return nil, err
		}
		result.AppliedUpTo = lastID
		if rejection != nil {
			result.Errors = append(result.Errors, model.MutationError{
				MutationID: m.ID,
				Name:       m.Name,
				Code:       rejection.Code,
				Message:    rejection.Message,
			})
		}
	}

	if len(mutations) == 0 {
		client, err := l.clients.FindByID(ctx, req.ClientID)
		if err != nil {
			return nil, err
		}
		if client != nil {
			result.AppliedUpTo = client.LastMutationID
		}
	}

	version, err := l.meta.Version(ctx)
	if err != nil {
		return nil, err
	}
	result.Version = version
	return result, nil
}

// processMutation は1件のミューテーションを処理し、処理後のlastMutationIdを返す。
func (l *Ledger) processMutation(ctx context.Context, req model.PushRequest, m model.Mutation) (int64, *model.APIError, error) {
	var (
		lastID    int64
		rejection *model.APIError
	)

	err := l.tx.WithTransaction(ctx, func(ctx context.Context) error {
		client, err := l.loadClient(ctx, req)
		if err != nil {
			return err
		}
		lastID = client.LastMutationID

		switch {
		case m.ID <= client.LastMutationID:
			l.recorder.RecordMutation(OutcomeDuplicate)
			return l.clients.Touch(ctx, client.ID, l.now())
		case m.ID > client.LastMutationID+1:
			return model.NewResyncRequiredError(client.ID, client.LastMutationID, m.ID)
		}

		clock := repository.NewVersionClock(l.meta)
		if err := l.apply(ctx, clock, m); err != nil {
			if apiErr, ok := model.AsAPIError(err); ok {
				rejection = apiErr
				return errMutationRejected
			}
			return fmt.Errorf("mutation %d (%s): %w", m.ID, m.Name, err)
		}
		if err := l.advance(ctx, clock, client, m.ID); err != nil {
			return err
		}
		lastID = m.ID
		l.recorder.RecordMutation(OutcomeApplied)
		return nil
	})

	if errors.Is(err, errMutationRejected) {
		err = l.tx.WithTransaction(ctx, func(ctx context.Context) error {
			client, err := l.loadClient(ctx, req)
			if err != nil {
				return err
			}
			return l.advance(ctx, repository.NewVersionClock(l.meta), client, m.ID)
		})
		if err != nil {
			return lastID, nil, err
		}
		slog.Info("ミューテーションを拒否しました",
			"client_id", req.ClientID,
			"mutation_id", m.ID,
			"name", m.Name,
			"code", rejection.Code,
		)
		l.recorder.RecordMutation(OutcomeRejected)
		return m.ID, rejection, nil
	}
	return lastID, nil, err
}

// loadClient はクライアントを取得し、存在しなければlastMutationId=0で作成する。
func (l *Ledger) loadClient(ctx context.Context, req model.PushRequest) (*model.ReplicacheClient, error) {
	client, err := l.clients.FindByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client != nil {
		if client.ClientGroupID != req.ClientGroupID {
			return nil, model.NewClientGroupMismatchError(req.ClientID)
		}
		return client, nil
	}
	client = &model.ReplicacheClient{
		ID:            req.ClientID,
		ClientGroupID: req.ClientGroupID,
		LastModified:  l.now(),
	}
	if err := l.clients.Create(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// apply は引数を検証してミューテーションを実行する。
func (l *Ledger) apply(ctx context.Context, clock *repository.VersionClock, m model.Mutation) error {
	mut, ok := l.mutators[m.Name]
	if !ok {
		return model.NewUnknownMutationError(m.Name)
	}
	if err := mut.validateArgs(m.Name, m.Args); err != nil {
		return err
	}
	return mut.run(ctx, clock, m.Args)
}

// advance はlastMutationIdをmutationIDに進め、バージョンを1進める。
func (l *Ledger) advance(ctx context.Context, clock *repository.VersionClock, client *model.ReplicacheClient, mutationID int64) error {
	version, err := clock.Next(ctx)
	if err != nil {
		return err
	}
	client.LastMutationID = mutationID
	client.LastModified = l.now()
	client.Version = version
	if err := l.clients.Save(ctx, client); err != nil {
		return err
	}
	_, err = clock.Commit(ctx)
	return err
}
