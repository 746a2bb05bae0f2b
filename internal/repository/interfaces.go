// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/devlog/internal/model"
)

// ErrDuplicateEmail は登録済みのメールアドレスでユーザーを作成しようとした場合に返される。
var ErrDuplicateEmail = errors.New("repository: email already registered")

// UserRepository はアカウントデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateDisplayName は表示名を更新する。
	UpdateDisplayName(ctx context.Context, id, displayName string) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error

	// MarkEmailVerified はメールアドレスを確認済みにする。
	MarkEmailVerified(ctx context.Context, id string) error

	// SaveLoginState はログイン失敗回数とロック期限を保存する。
	SaveLoginState(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するauth_sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// AuthSessionRepository はログインセッションの永続化インターフェース。
type AuthSessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.AuthSession) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
	// Touch は資格情報の再検証時刻を更新する。
	Touch(ctx context.Context, id string, authenticatedAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
