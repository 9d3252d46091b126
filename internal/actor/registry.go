// Package actor はユーザーごとのアクターを管理する。
// 1ユーザーにつき1つのゴルーチンがストアを所有し、そのユーザーへの操作をすべて逐次実行する。
package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/inboxsync/internal/database"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/replication"
	"github.com/hitoshi/inboxsync/internal/store"
)

// DefaultIdleTimeout はアクターを停止するまでの無操作時間の既定値。
const DefaultIdleTimeout = 5 * time.Minute

// ErrRegistryClosed は停止済みのRegistryに操作を送った場合のエラー。
var ErrRegistryClosed = errors.New("actor registry is closed")

// Recorder はアクターの計測を受け取る。
type Recorder interface {
	replication.Recorder
	ActorStarted()
	ActorStopped()
	ObserveOperation(op string, d time.Duration, err error)
	RecordIngest(result *model.IngestResult)
	RecordMigrations(n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordMutation(string)                         {}
func (noopRecorder) RecordResync()                                 {}
func (noopRecorder) ObservePullPatches(int)                        {}
func (noopRecorder) ActorStarted()                                 {}
func (noopRecorder) ActorStopped()                                 {}
func (noopRecorder) ObserveOperation(string, time.Duration, error) {}
func (noopRecorder) RecordIngest(*model.IngestResult)              {}
func (noopRecorder) RecordMigrations(int)                          {}

// Options はRegistryの設定。
type Options struct {
	Opener      store.Opener
	Runner      *database.Runner
	IdleTimeout time.Duration
	Engine      EngineOptions
	Recorder    Recorder
	Logger      *slog.Logger
}

// Registry はuserIDからアクターへの対応を管理する。アクターは最初のアクセスで生成される。
type Registry struct {
	opener      store.Opener
	runner      *database.Runner
	idleTimeout time.Duration
	engineOpts  EngineOptions
	recorder    Recorder
	logger      *slog.Logger

	mu      sync.Mutex
	actors  map[string]*actor
	retired map[string]chan struct{}
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry はRegistryを生成する。
func NewRegistry(opts Options) *Registry {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engineOpts := opts.Engine
	if engineOpts.SyncRecorder == nil {
		engineOpts.SyncRecorder = recorder
	}
	return &Registry{
		opener:      opts.Opener,
		runner:      opts.Runner,
		idleTimeout: idle,
		engineOpts:  engineOpts,
		recorder:    recorder,
		logger:      logger,
		actors:      make(map[string]*actor),
		retired:     make(map[string]chan struct{}),
		quit:        make(chan struct{}),
	}
}

// Get はuserIDのアクターへのハンドルを返す。アクターはハンドルの最初の操作で起動する。
func (r *Registry) Get(userID string) *Handle {
	return &Handle{registry: r, userID: userID}
}

// Active は起動中のアクター数を返す。
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// HealthCheck はレジストリが要求を受け付けられるかを返す。
func (r *Registry) HealthCheck(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	return nil
}

// actorFor は起動中のアクターを返し、なければ生成する。
func (r *Registry) actorFor(userID string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if a, ok := r.actors[userID]; ok {
		return a, nil
	}

	a := &actor{
		userID:  userID,
		mailbox: make(chan request),
		stopped: make(chan struct{}),
		// 直前のアクターがストアを閉じるまで待つ
		predecessor: r.retired[userID],
	}
	r.actors[userID] = a
	r.wg.Add(1)
	r.recorder.ActorStarted()
	go func() {
		defer r.wg.Done()
		a.run(r)
	}()
	return a, nil
}

// retire はアイドル状態のアクターを登録から外す。
// 外したあとに届いた操作は新しいアクターで処理される。
func (r *Registry) retire(a *actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.userID] == a {
		delete(r.actors, a.userID)
	}
	r.retired[a.userID] = a.stopped
}

// forget はアクターの停止完了を記録する。
func (r *Registry) forget(a *actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.userID] == a {
		delete(r.actors, a.userID)
	}
	if r.retired[a.userID] == a.stopped {
		delete(r.retired, a.userID)
	}
}

// Close はすべてのアクターを停止する。処理中の操作は完了を待つ。
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("すべてのアクターを停止しました")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type request struct {
	ctx  context.Context
	op   string
	fn   func(ctx context.Context, e *Engine) error
	done chan error
}

// actor は1ユーザーのストアを所有するゴルーチン。
// engineとstはrunのゴルーチンからのみ参照する。
type actor struct {
	userID      string
	mailbox     chan request
	stopped     chan struct{}
	predecessor chan struct{}

	st     *store.Store
	engine *Engine
}

func (a *actor) run(r *Registry) {
	defer func() {
		a.shutdown(r)
		r.forget(a)
		close(a.stopped)
		r.recorder.ActorStopped()
	}()

	if a.predecessor != nil {
		select {
		case <-a.predecessor:
		case <-r.quit:
			return
		}
	}

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-a.mailbox:
			idle.Stop()
			req.done <- a.handle(r, req)
			idle.Reset(r.idleTimeout)
		case <-idle.C:
			r.retire(a)
			r.logger.Info("アイドル状態のアクターを停止します",
				slog.String("user_id", a.userID),
				slog.Duration("idle_timeout", r.idleTimeout),
			)
			return
		case <-r.quit:
			return
		}
	}
}

// handle は1件の操作を実行する。ストアが未準備なら先に起動処理を行う。
func (a *actor) handle(r *Registry, req request) error {
	start := time.Now()
	err := a.wake(req.ctx, r)
	if err == nil {
		err = req.fn(req.ctx, a.engine)
	}
	r.recorder.ObserveOperation(req.op, time.Since(start), err)
	return err
}

// wake はストアを開き、スキーマを最新にする。
// 失敗した場合はストアを閉じ、次の操作で再試行する。
func (a *actor) wake(ctx context.Context, r *Registry) error {
	if a.engine != nil {
		return nil
	}
	st, err := r.opener.Open(ctx, a.userID)
	if err != nil {
		return err
	}
	applied, err := r.runner.EnsureSchema(ctx, st)
	r.recorder.RecordMigrations(applied)
	if err != nil {
		r.logger.Error("スキーマの更新に失敗しました",
			slog.String("user_id", a.userID),
			slog.String("error", err.Error()),
		)
		_ = st.Close()
		return err
	}
	engine, err := NewEngine(st, r.runner, r.engineOpts)
	if err != nil {
		_ = st.Close()
		return err
	}
	a.st = st
	a.engine = engine
	r.logger.Info("アクターを起動しました",
		slog.String("user_id", a.userID),
		slog.Int("migrations_applied", applied),
	)
	return nil
}

func (a *actor) shutdown(r *Registry) {
	if a.st == nil {
		return
	}
	if err := a.st.Close(); err != nil {
		r.logger.Warn("ストアのクローズに失敗しました",
			slog.String("user_id", a.userID),
			slog.String("error", err.Error()),
		)
	}
	a.st = nil
	a.engine = nil
}
