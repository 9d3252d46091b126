// Package model はドメインモデルを定義する。
package model

import "time"

// ContentType はコンテンツ種別を表す。
type ContentType string

const (
	ContentTypeVideo   ContentType = "video"
	ContentTypeArticle ContentType = "article"
	ContentTypeAudio   ContentType = "audio"
	ContentTypePodcast ContentType = "podcast"
	ContentTypePost    ContentType = "post"
	ContentTypeOther   ContentType = "other"
)

// ParseContentType は文字列をContentTypeに変換する。空文字列はarticleとして扱う。
func ParseContentType(s string) (ContentType, bool) {
	switch ContentType(s) {
	case "":
		return ContentTypeArticle, true
	case ContentTypeVideo, ContentTypeArticle, ContentTypeAudio, ContentTypePodcast, ContentTypePost, ContentTypeOther:
		return ContentType(s), true
	default:
		return "", false
	}
}

// CanonicalItem はソースに依存しないコンテンツ実体を表す。
// Provider/ProviderIDは汎用URL経由で保存された場合はnilになる。
type CanonicalItem struct {
	ID              string      `db:"id" json:"id"`
	ContentType     ContentType `db:"content_type" json:"contentType"`
	Provider        *string     `db:"provider" json:"provider"`
	ProviderID      *string     `db:"provider_id" json:"providerId"`
	CanonicalURL    string      `db:"canonical_url" json:"canonicalUrl"`
	Title           string      `db:"title" json:"title"`
	Summary         string      `db:"summary" json:"summary"`
	Author          string      `db:"author" json:"author"`
	Publisher       string      `db:"publisher" json:"publisher"`
	PublishedAt     *time.Time  `db:"published_at" json:"publishedAt"`
	ThumbnailURL    string      `db:"thumbnail_url" json:"thumbnailUrl"`
	DurationSeconds *int64      `db:"duration_seconds" json:"durationSeconds"`
	Version         int64       `db:"version" json:"-"`
	CreatedAt       time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updatedAt"`
}

// ItemState はユーザーアイテムの状態を表す。
type ItemState string

const (
	// ItemStateInbox は初期状態（ingestまたは手動保存直後）。
	ItemStateInbox ItemState = "INBOX"
	// ItemStateBookmarked は後で読むために保存された状態。
	ItemStateBookmarked ItemState = "BOOKMARKED"
	// ItemStateArchived は既読・不要としてアーカイブされた状態。
	ItemStateArchived ItemState = "ARCHIVED"
)

// Valid はItemStateが定義済みの値かどうかを返す。
func (s ItemState) Valid() bool {
	switch s {
	case ItemStateInbox, ItemStateBookmarked, ItemStateArchived:
		return true
	}
	return false
}

// UserItem はユーザーとCanonicalItemの関係を表す。ストア内でItemIDは一意。
type UserItem struct {
	ID           string     `db:"id" json:"id"`
	ItemID       string     `db:"item_id" json:"itemId"`
	State        ItemState  `db:"state" json:"state"`
	IngestedAt   time.Time  `db:"ingested_at" json:"ingestedAt"`
	BookmarkedAt *time.Time `db:"bookmarked_at" json:"bookmarkedAt"`
	ArchivedAt   *time.Time `db:"archived_at" json:"archivedAt"`
	Version      int64      `db:"version" json:"-"`
}

// ProviderItem はメタデータ解決済みのプロバイダ由来コンテンツを表す。
// ingestパイプラインの入力となる。
type ProviderItem struct {
	ProviderItemID  string
	ContentType     string
	CanonicalURL    string
	Title           string
	Summary         string
	Author          string
	Publisher       string
	PublishedAt     *time.Time
	ThumbnailURL    string
	DurationSeconds *int64
}

// IngestResult はingestバッチの処理結果を表す。
type IngestResult struct {
	// Version はバッチ処理後のストアのバージョン。
	Version int64 `json:"version"`
	// UserItemIDs は新規作成、またはCanonicalItemが更新されたユーザーアイテムのID。
	UserItemIDs []string `json:"userItemIds"`
	// Skipped は既に取り込み済みのためスキップしたアイテム数。
	Skipped int `json:"skipped"`
	// Errors は個別に拒否されたアイテム。
	Errors []ItemError `json:"errors"`
}

// ItemError はバッチ内の個別アイテムの拒否理由を表す。
type ItemError struct {
	Index          int    `json:"index"`
	ProviderItemID string `json:"providerItemId,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message"`
}
