// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, sync, store, source, auth, system
	Action   string // クライアント向け対処方法

	// Details は追加情報（resync時のappliedUpToなど）。レスポンスにそのまま含める。
	Details map[string]any
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategorySync       = "sync"
	CategoryStore      = "store"
	CategorySource     = "source"
	CategoryAuth       = "auth"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeItemNotFound        = "ITEM_NOT_FOUND"
	ErrCodeSourceNotFound      = "SOURCE_NOT_FOUND"
	ErrCodeUnknownMutation     = "UNKNOWN_MUTATION"
	ErrCodeInvalidMutationArgs = "INVALID_MUTATION_ARGS"
	ErrCodeClientGroupMismatch = "CLIENT_GROUP_MISMATCH"
	ErrCodeResyncRequired      = "RESYNC_REQUIRED"
	ErrCodeSchemaAhead         = "SCHEMA_AHEAD"
	ErrCodeMigrationFailed     = "MIGRATION_FAILED"
	ErrCodeMigrationTampered   = "MIGRATION_TAMPERED"
	ErrCodeRefreshUnsupported  = "REFRESH_UNSUPPORTED"
	ErrCodeFetchFailed         = "FETCH_FAILED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// AsAPIError はerrのチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsValidationError はerrが入力検証エラー（バッチ全体を中断しない種類）かどうかを返す。
func IsValidationError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Category == CategoryValidation
}

// NewValidationError は汎用の入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidStateError は無効な遷移先状態のエラーを生成する。
func NewInvalidStateError(state string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("無効な状態です: %q", state),
		Category: CategoryValidation,
		Action:   "状態には INBOX、BOOKMARKED、ARCHIVED のいずれかを指定してください。",
	}
}

// NewItemNotFoundError はユーザーアイテム未検出エラーを生成する。
func NewItemNotFoundError(userItemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つかりません: %s", userItemID),
		Category: CategoryValidation,
		Action:   "pullで最新の状態を取得してから再度操作してください。",
	}
}

// NewSourceNotFoundError はソース未検出エラーを生成する。
func NewSourceNotFoundError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		Category: CategorySource,
		Action:   "ソースIDを確認してください。",
	}
}

// NewUnknownMutationError は未登録のミューテーション名のエラーを生成する。
func NewUnknownMutationError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownMutation,
		Message:  fmt.Sprintf("未知のミューテーションです: %s", name),
		Category: CategoryValidation,
		Action:   "このミューテーションを破棄してください。",
	}
}

// NewInvalidMutationArgsError はミューテーション引数のスキーマ不一致エラーを生成する。
func NewInvalidMutationArgsError(name, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMutationArgs,
		Message:  fmt.Sprintf("ミューテーション %s の引数が不正です: %s", name, reason),
		Category: CategoryValidation,
		Action:   "引数を修正するか、このミューテーションを破棄してください。",
	}
}

// NewClientGroupMismatchError はクライアントが別のクライアントグループに属している場合のエラーを生成する。
func NewClientGroupMismatchError(clientID string) *APIError {
	return &APIError{
		Code:     ErrCodeClientGroupMismatch,
		Message:  fmt.Sprintf("クライアント %s は別のクライアントグループに登録されています", clientID),
		Category: CategoryValidation,
		Action:   "クライアントIDを再生成してください。",
	}
}

// NewResyncRequiredError はミューテーションIDの欠番を検出した場合のエラーを生成する。
// クライアントは保留中のミューテーションキューを破棄し、pullからやり直す必要がある。
func NewResyncRequiredError(clientID string, appliedUpTo, got int64) *APIError {
	return &APIError{
		Code:     ErrCodeResyncRequired,
		Message:  fmt.Sprintf("ミューテーションIDに欠番があります: client=%s expected=%d got=%d", clientID, appliedUpTo+1, got),
		Category: CategorySync,
		Action:   "保留中のミューテーションを破棄し、pullで状態を再構築してください。",
		Details: map[string]any{
			"appliedUpTo":        appliedUpTo,
			"expectedMutationId": appliedUpTo + 1,
		},
	}
}

// NewSchemaAheadError はストアのスキーマがバイナリより新しい場合のエラーを生成する。
func NewSchemaAheadError(storeVersion, knownVersion int) *APIError {
	return &APIError{
		Code:     ErrCodeSchemaAhead,
		Message:  fmt.Sprintf("ストアのスキーマバージョン %d はこのバイナリの既知バージョン %d より新しいです", storeVersion, knownVersion),
		Category: CategoryStore,
		Action:   "サーバーを最新バージョンに更新してください。",
	}
}

// NewMigrationFailedError はマイグレーション適用失敗のエラーを生成する。
func NewMigrationFailedError(name string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeMigrationFailed,
		Message:  fmt.Sprintf("マイグレーション %s の適用に失敗しました: %v", name, cause),
		Category: CategoryStore,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMigrationTamperedError は適用済みマイグレーションの内容が変更されている場合のエラーを生成する。
func NewMigrationTamperedError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeMigrationTampered,
		Message:  fmt.Sprintf("適用済みマイグレーション %s の内容が変更されています", name),
		Category: CategoryStore,
		Action:   "リリース済みマイグレーションは編集せず、新しいマイグレーションを追加してください。",
	}
}

// NewRefreshUnsupportedError はフィード取得に対応していないプロバイダのエラーを生成する。
func NewRefreshUnsupportedError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshUnsupported,
		Message:  fmt.Sprintf("プロバイダ %s はサーバー側での取得に対応していません", provider),
		Category: CategorySource,
		Action:   "メタデータ解決サービス経由でingestしてください。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("フィードの取得に失敗しました: %s", reason),
		Category: CategorySource,
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: CategoryAuth,
		Action:   "トークンを再取得してください。",
	}
}
