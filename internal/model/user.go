// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はIDプロバイダーが管理するアカウントを表す。
type User struct {
	ID                  string
	Email               string
	DisplayName         string
	PasswordHash        string
	EmailVerified       bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	PasswordChangedAt   time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Principal はIDプロバイダーが報告する認証済みエンドユーザー。
type Principal struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`
}

// ToPrincipal はアカウントからプロバイダー側の表現を作る。
func (u *User) ToPrincipal() *Principal {
	return &Principal{
		UID:           u.ID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		EmailVerified: u.EmailVerified,
	}
}

// Persistence はログイン状態の永続化モード。
type Persistence string

const (
	// PersistenceLocal はブラウザを閉じても維持される永続モード。
	PersistenceLocal Persistence = "local"
	// PersistenceSession は現在のブラウザセッション内のみ有効なモード。
	PersistenceSession Persistence = "session"
)

// AuthSession はIDプロバイダー側で発行したログインセッションを表す。
type AuthSession struct {
	ID              string
	UserID          string
	Persistence     Persistence
	AuthenticatedAt time.Time // 最後に資格情報を検証した時刻
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// Session は現在認証されているプリンシパルのローカル表現。
// ローカルキャッシュにもこの形で保存される。
type Session struct {
	UserID        string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`
}

// NewSession はプリンシパルからセッションを作る。
func NewSession(p *Principal) *Session {
	return &Session{
		UserID:        p.UID,
		Email:         p.Email,
		DisplayName:   p.DisplayName,
		EmailVerified: p.EmailVerified,
	}
}

// DisplayNameOrDefault は表示名が未設定の場合にメールアドレスのローカル部を返す。
func (s *Session) DisplayNameOrDefault() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	local, _, _ := strings.Cut(s.Email, "@")
	return local
}
