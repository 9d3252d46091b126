package model

import (
	"encoding/json"
	"time"
)

// ReplicacheClient はクライアントごとのミューテーション適用状況を表す。
type ReplicacheClient struct {
	ID             string    `db:"id"`
	ClientGroupID  string    `db:"client_group_id"`
	LastMutationID int64     `db:"last_mutation_id"`
	LastModified   time.Time `db:"last_modified"`
	Version        int64     `db:"version"`
}

// Mutation はクライアントが送信する1件のミューテーション。
type Mutation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// PushRequest はpushのリクエストボディ。
type PushRequest struct {
	ClientID      string     `json:"clientId"`
	ClientGroupID string     `json:"clientGroupId"`
	Mutations     []Mutation `json:"mutations"`
}

// PushResult はpushの処理結果。
type PushResult struct {
	AppliedUpTo int64           `json:"appliedUpTo"`
	Version     int64           `json:"version"`
	Errors      []MutationError `json:"errors,omitempty"`
}

// MutationError は検証エラーで効果が取り消されたミューテーションを表す。
// IDは消費済みとして扱われる。
type MutationError struct {
	MutationID int64  `json:"mutationId"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// PullRequest はpullのリクエスト。
type PullRequest struct {
	SinceVersion  int64  `json:"sinceVersion"`
	ClientGroupID string `json:"clientGroupId"`
}

// パッチ操作
const (
	PatchOpPut   = "put"
	PatchOpDel   = "del"
	PatchOpClear = "clear"
)

// PatchOp はpullで返す1件の変更。
type PatchOp struct {
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
}

// PullResult はpullの結果。
type PullResult struct {
	Version               int64            `json:"version"`
	Patches               []PatchOp        `json:"patches"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIdChanges"`
	// Reset はクライアントのカーソルがストアより先にあったため全件を返したことを示す。
	Reset bool `json:"reset,omitempty"`
}

// Tombstone は削除されたエンティティの記録。pullでdelパッチとして返す。
type Tombstone struct {
	Entity    string    `db:"entity"`
	EntityID  string    `db:"entity_id"`
	Version   int64     `db:"version"`
	DeletedAt time.Time `db:"deleted_at"`
}

// トゥームストーンのエンティティ種別
const (
	EntitySource = "source"
)
