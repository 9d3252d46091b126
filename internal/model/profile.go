package model

import "time"

// UserProfile はアクターごとに1件だけ存在するユーザープロフィールを表す。
type UserProfile struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FirstName string    `db:"first_name" json:"firstName"`
	LastName  string    `db:"last_name" json:"lastName"`
	ImageURL  string    `db:"image_url" json:"imageUrl"`
	Version   int64     `db:"version" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// 外部IDプロバイダのイベント種別
const (
	IdentityEventUserCreated = "user.created"
	IdentityEventUserUpdated = "user.updated"
)

// IdentityEvent は外部IDプロバイダから届くプロフィール変更イベントを表す。
type IdentityEvent struct {
	Type string          `json:"type"`
	Data IdentityPayload `json:"data"`
}

// IdentityPayload はIdentityEventの本文。
type IdentityPayload struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	ImageURL  string `json:"image_url"`
}
