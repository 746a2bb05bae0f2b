// Package validate はフォーム入力の検証とサニタイズを提供する。
// すべての関数は副作用を持たず、リモートサービスには触れない。
package validate

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/devlog/internal/model"
)

// MaxInputLength はサニタイズ後の自由記述フィールドの最大文字数。
const MaxInputLength = 5000

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

var (
	tagPattern     = regexp.MustCompile(`<[^>]*>?`)
	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	digitPattern   = regexp.MustCompile(`\d`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)
)

// パスワード検証メッセージ
const (
	MsgPasswordTooShort = "Password must be at least 8 characters long"
	MsgPasswordNoUpper  = "Password must contain at least one uppercase letter"
	MsgPasswordNoLower  = "Password must contain at least one lowercase letter"
	MsgPasswordNoNumber = "Password must contain at least one number"
	MsgPasswordIsStrong = "Password is strong"
)

// SanitizeInput はタグ形状の部分文字列を取り除き、MaxInputLength文字に切り詰める。
// 結果には '<' が残らないため、再適用しても値は変わらない。
func SanitizeInput(raw string) string {
	if raw == "" {
		return ""
	}
	s := tagPattern.ReplaceAllString(raw, "")
	if utf8.RuneCountInString(s) <= MaxInputLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxInputLength])
}

// ValidateEmail はメールアドレスの形式を検証する。
// 形式は小文字化した値で判定し、成功時は元の入力をサニタイズして返す。
func ValidateEmail(raw string) (string, error) {
	if !emailPattern.MatchString(strings.ToLower(raw)) {
		return "", model.NewInvalidEmailError()
	}
	return SanitizeInput(raw), nil
}

// PasswordResult はパスワード強度の判定結果。
type PasswordResult struct {
	IsValid      bool   `json:"isValid"`
	Strength     int    `json:"strength"`
	HasUpper     bool   `json:"hasUpperCase"`
	HasLower     bool   `json:"hasLowerCase"`
	HasNumber    bool   `json:"hasNumbers"`
	HasSpecial   bool   `json:"hasSpecialChars"`
	IsLongEnough bool   `json:"isLongEnough"`
	Message      string `json:"message"`
}

// ValidatePassword はパスワードの5条件を判定する。
// 記号は強度には数えるが必須条件ではない。
// メッセージは 長さ → 大文字 → 小文字 → 数字 の順で最初の未達条件を示す。
func ValidatePassword(raw string) PasswordResult {
	r := PasswordResult{
		HasUpper:     upperPattern.MatchString(raw),
		HasLower:     lowerPattern.MatchString(raw),
		HasNumber:    digitPattern.MatchString(raw),
		HasSpecial:   specialPattern.MatchString(raw),
		IsLongEnough: utf8.RuneCountInString(raw) >= MinPasswordLength,
	}

	for _, ok := range []bool{r.HasUpper, r.HasLower, r.HasNumber, r.HasSpecial, r.IsLongEnough} {
		if ok {
			r.Strength++
		}
	}
	r.IsValid = r.HasUpper && r.HasLower && r.HasNumber && r.IsLongEnough

	switch {
	case !r.IsLongEnough:
		r.Message = MsgPasswordTooShort
	case !r.HasUpper:
		r.Message = MsgPasswordNoUpper
	case !r.HasLower:
		r.Message = MsgPasswordNoLower
	case !r.HasNumber:
		r.Message = MsgPasswordNoNumber
	default:
		r.Message = MsgPasswordIsStrong
	}
	return r
}

// RequireStrongPassword はValidatePasswordが無効と判定した場合にValidationErrorを返す。
func RequireStrongPassword(raw string) error {
	if r := ValidatePassword(raw); !r.IsValid {
		return model.NewWeakPasswordError(r.Message)
	}
	return nil
}

// ValidatePasswordConfirmation は確認用パスワードの一致を検証する。
func ValidatePasswordConfirmation(password, confirm string) error {
	if password != confirm {
		return model.NewPasswordMismatchError()
	}
	return nil
}

// ValidateDisplayName は表示名をサニタイズして返す。
// 空の表示名は許可する（メールアドレスのローカル部で代替される）が、
// マークアップだけで構成された入力は拒否する。
func ValidateDisplayName(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	name := strings.TrimSpace(SanitizeInput(trimmed))
	if name == "" && trimmed != "" {
		return "", model.NewInvalidRequestError("Display name contains no visible characters.")
	}
	return name, nil
}

// ValidateTitle はサニタイズ済みのタイトルが空でないことを検証する。
func ValidateTitle(raw string) (string, error) {
	title := strings.TrimSpace(SanitizeInput(raw))
	if title == "" {
		return "", model.NewTitleRequiredError()
	}
	return title, nil
}
