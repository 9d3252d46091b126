package model

import "time"

// Provider は外部コンテンツプロバイダを表す。
type Provider string

const (
	ProviderYouTube Provider = "YOUTUBE"
	ProviderSpotify Provider = "SPOTIFY"
	ProviderGmail   Provider = "GMAIL"
	ProviderRSS     Provider = "RSS"
)

// Valid はProviderが定義済みの値かどうかを返す。
func (p Provider) Valid() bool {
	switch p {
	case ProviderYouTube, ProviderSpotify, ProviderGmail, ProviderRSS:
		return true
	}
	return false
}

// Source はユーザーのプロバイダチャンネル/フィードの購読を表す。
// (Provider, ProviderID) はストア内で一意。
type Source struct {
	ID         string    `db:"id" json:"id"`
	Provider   Provider  `db:"provider" json:"provider"`
	ProviderID string    `db:"provider_id" json:"providerId"`
	Name       string    `db:"name" json:"name"`
	Config     JSONText  `db:"config" json:"config"`
	Version    int64     `db:"version" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// JSONText はTEXT列に格納するJSON文字列。レスポンスではJSON値としてそのまま出力する。
type JSONText string

// MarshalJSON はjson.Marshalerを実装する。空の場合は空オブジェクトを出力する。
func (j JSONText) MarshalJSON() ([]byte, error) {
	if j == "" {
		return []byte("{}"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (j *JSONText) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*j = ""
		return nil
	}
	*j = JSONText(b)
	return nil
}

// ConfigString はconfig列に書き込む文字列を返す。未設定の場合は空オブジェクト。
func (s *Source) ConfigString() string {
	if s.Config == "" {
		return "{}"
	}
	return string(s.Config)
}
