// Package errtrans はIDプロバイダーのエラーコードをユーザー向けのタイトルとメッセージに変換する。
package errtrans

import (
	"errors"

	"github.com/hitoshi/devlog/internal/model"
)

// IDプロバイダーのエラーコード
const (
	CodeEmailAlreadyInUse   = "auth/email-already-in-use"
	CodeInvalidEmail        = "auth/invalid-email"
	CodeWeakPassword        = "auth/weak-password"
	CodeUserNotFound        = "auth/user-not-found"
	CodeWrongPassword       = "auth/wrong-password"
	CodeTooManyRequests     = "auth/too-many-requests"
	CodeEmailNotVerified    = "auth/email-not-verified"
	CodeRequiresRecentLogin = "auth/requires-recent-login"
	CodeInvalidActionCode   = "auth/invalid-action-code"
	CodeNoCurrentUser       = "auth/no-current-user"
	CodeUnknown             = "unknown"
)

// 既定のタイトルとメッセージ
const (
	DefaultTitle   = "Error"
	DefaultMessage = "An error occurred. Please try again."
)

// Translation はモーダル表示用の変換結果。
type Translation struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	ShowToUser bool   `json:"showToUser"`
}

type entry struct {
	title   string
	message string
}

var table = map[string]entry{
	CodeEmailAlreadyInUse:   {message: "This email is already in use. Try logging in instead."},
	CodeInvalidEmail:        {message: "Please enter a valid email address."},
	CodeWeakPassword:        {message: "Password should be at least 6 characters long."},
	CodeUserNotFound:        {message: "No account found with this email. Please sign up first."},
	CodeWrongPassword:       {message: "Incorrect password. Please try again."},
	CodeTooManyRequests:     {message: "Too many failed attempts. Please try again later or reset your password."},
	CodeEmailNotVerified:    {title: "Email Not Verified", message: "Please verify your email before logging in. Check your inbox for the verification link."},
	CodeRequiresRecentLogin: {message: "This operation is sensitive and requires recent authentication. Please log in again."},
}

// Translate はエラーコードを変換する。未知のコードは既定のタイトルとメッセージになる。
// 空のコードは "unknown" として扱う。
func Translate(code string) Translation {
	if code == "" {
		code = CodeUnknown
	}
	t := Translation{
		Title:      DefaultTitle,
		Message:    DefaultMessage,
		Code:       code,
		ShowToUser: true,
	}
	if e, ok := table[code]; ok {
		t.Message = e.message
		if e.title != "" {
			t.Title = e.title
		}
	}
	return t
}

// ProviderError はIDプロバイダーが返すコード付きエラー。
type ProviderError struct {
	Code string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

// Unwrap は原因となったエラーを返す。
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// New はコード付きのプロバイダーエラーを生成する。
func New(code string) *ProviderError {
	return &ProviderError{Code: code}
}

// Wrap は原因エラーにコードを付与する。
func Wrap(code string, err error) *ProviderError {
	return &ProviderError{Code: code, Err: err}
}

// CodeOf はエラーチェーンからプロバイダーのコードを取り出す。見つからない場合は空文字列を返す。
func CodeOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// FromError は任意のエラーを変換する。nilの場合も既定値を返す。
func FromError(err error) Translation {
	return Translate(CodeOf(err))
}

// AsAPIError はプロバイダーエラーをauthカテゴリのAPIErrorに変換する。
func AsAPIError(err error) *model.APIError {
	t := FromError(err)
	return &model.APIError{
		Code:     t.Code,
		Title:    t.Title,
		Message:  t.Message,
		Category: model.CategoryAuth,
		Err:      err,
	}
}
