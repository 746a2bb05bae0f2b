// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIのモーダルに表示するタイトルとメッセージ、原因カテゴリ、対処方法を含む。
type APIError struct {
	Code     string // エラーコード（認証エラーの場合はプロバイダーのコード）
	Title    string // モーダルのタイトル
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, auth, store, not_found, stale_credential, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はカテゴリに対応する番兵エラーとの比較を可能にする。
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Category == CategoryValidation
	case ErrAuth:
		return e.Category == CategoryAuth
	case ErrStore:
		return e.Category == CategoryStore
	case ErrNotFound:
		return e.Category == CategoryNotFound
	case ErrStaleCredential:
		return e.Category == CategoryStaleCredential
	}
	return false
}

// エラーカテゴリ
const (
	CategoryValidation      = "validation"
	CategoryAuth            = "auth"
	CategoryStore           = "store"
	CategoryNotFound        = "not_found"
	CategoryStaleCredential = "stale_credential"
	CategorySystem          = "system"
)

// errors.Is で判定するための番兵エラー。
var (
	ErrValidation      = errors.New("validation error")
	ErrAuth            = errors.New("auth error")
	ErrStore           = errors.New("store error")
	ErrNotFound        = errors.New("not found")
	ErrStaleCredential = errors.New("stale credential")
)

// 定義済みエラーコード
const (
	ErrCodeInvalidEmail     = "INVALID_EMAIL"
	ErrCodeWeakPassword     = "WEAK_PASSWORD"
	ErrCodePasswordMismatch = "PASSWORD_MISMATCH"
	ErrCodeTitleRequired    = "TITLE_REQUIRED"
	ErrCodeInvalidRange     = "INVALID_RANGE"
	ErrCodeInvalidStatus    = "INVALID_STATUS"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeStoreFailed      = "STORE_FAILED"
	ErrCodeProjectNotFound  = "PROJECT_NOT_FOUND"
	ErrCodeLogNotFound      = "LOG_NOT_FOUND"
	ErrCodeStaleCredential  = "STALE_CREDENTIAL"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewInvalidEmailError はメールアドレス形式エラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Title:    "Invalid Email",
		Message:  "Please enter a valid email address.",
		Category: CategoryValidation,
		Action:   "Check the address for typos and try again.",
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
// messageにはValidatePasswordが返した最初の未達条件を渡す。
func NewWeakPasswordError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Title:    "Weak Password",
		Message:  message,
		Category: CategoryValidation,
		Action:   "Use at least 8 characters with upper and lower case letters and a number.",
	}
}

// NewPasswordMismatchError は確認用パスワード不一致エラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Title:    "Passwords Do Not Match",
		Message:  "The password confirmation does not match.",
		Category: CategoryValidation,
		Action:   "Enter the same password in both fields.",
	}
}

// NewTitleRequiredError はタイトル未入力エラーを生成する。
func NewTitleRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTitleRequired,
		Title:    "Missing Title",
		Message:  "Please enter a title.",
		Category: CategoryValidation,
		Action:   "Titles cannot be empty.",
	}
}

// NewInvalidRangeError は無効な期間トークンのエラーを生成する。
func NewInvalidRangeError(token string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRange,
		Title:    "Invalid Filter",
		Message:  fmt.Sprintf("Unknown date range: %s", token),
		Category: CategoryValidation,
		Action:   "Use one of today, week, month or all.",
	}
}

// NewInvalidStatusError は未定義のプロジェクト状態のエラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Title:    "Invalid Status",
		Message:  fmt.Sprintf("Unknown project status: %s", status),
		Category: CategoryValidation,
		Action:   "Use one of Active, In Progress, On Hold or Completed.",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Title:    "Invalid Request",
		Message:  message,
		Category: CategoryValidation,
		Action:   "Send a well-formed JSON body.",
	}
}

// NewStoreError はドキュメントストア失敗のエラーを生成する。
// messageはユーザー向けの文言で、errは原因としてログにのみ出力される。
func NewStoreError(message string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreFailed,
		Title:    "Error!",
		Message:  message,
		Category: CategoryStore,
		Action:   "Please try again later.",
		Err:      err,
	}
}

// NewProjectNotFoundError はプロジェクト未検出エラーを生成する。
func NewProjectNotFoundError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotFound,
		Title:    "Not Found",
		Message:  fmt.Sprintf("Project not found: %s", projectID),
		Category: CategoryNotFound,
		Action:   "Reload the page to refresh your projects.",
	}
}

// NewLogNotFoundError はログ未検出エラーを生成する。
func NewLogNotFoundError(logID string) *APIError {
	return &APIError{
		Code:     ErrCodeLogNotFound,
		Title:    "Not Found",
		Message:  fmt.Sprintf("Log not found: %s", logID),
		Category: CategoryNotFound,
		Action:   "Reload the page to refresh your logs.",
	}
}

// NewStaleCredentialError は再認証失敗エラーを生成する。
func NewStaleCredentialError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeStaleCredential,
		Title:    "Re-authentication Failed",
		Message:  "Your current password could not be verified.",
		Category: CategoryStaleCredential,
		Action:   "Enter your current password and try again.",
		Err:      err,
	}
}

// NewUnauthenticatedError は未ログイン状態での操作エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Title:    "Not Signed In",
		Message:  "Please sign in to continue.",
		Category: CategoryAuth,
		Action:   "Sign in and try again.",
	}
}
