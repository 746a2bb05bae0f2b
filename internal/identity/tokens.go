package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークンの用途
const (
	PurposeVerifyEmail   = "verify"
	PurposeResetPassword = "reset"
)

// actionClaims はメール内リンクに埋め込むトークンの内容。
type actionClaims struct {
	UserID  string `json:"uid"`
	Purpose string `json:"purpose"`
	// PasswordAt は発行時点のパスワード変更時刻（UnixNano）。
	// パスワード再設定後は一致しなくなるため、同じトークンを二度使えない。
	PasswordAt int64 `json:"pwd,omitempty"`
	jwt.RegisteredClaims
}

func issueActionToken(secret []byte, userID, purpose string, passwordAt time.Time, now time.Time, ttl time.Duration) (string, error) {
	claims := &actionClaims{
		UserID:  userID,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if purpose == PurposeResetPassword {
		claims.PasswordAt = passwordAt.UnixNano()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func parseActionToken(secret []byte, tokenStr, purpose string, now time.Time) (*actionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &actionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*actionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Purpose != purpose {
		return nil, errors.New("token purpose mismatch")
	}
	return claims, nil
}
