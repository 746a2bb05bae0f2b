// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const (
	// clientCookieName はブラウザを識別するCookieの名前。ワークスペースのキーになる。
	clientCookieName = "devlog_client"

	// defaultClientCookieMaxAge はクライアントCookieの既定の有効期間（400日）。
	defaultClientCookieMaxAge = 400 * 24 * 60 * 60
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	clientIDContextKey    = contextKey("client_id")
	requestInfoContextKey = contextKey("request_info")
)

// requestInfo はハンドラーの処理中に判明したリクエストの属性を保持する。
// ロギングミドルウェアが生成し、内側のハンドラーが値を設定する。
type requestInfo struct {
	mu     sync.Mutex
	userID string
}

// ClientCookieConfig はクライアントCookieの設定。
type ClientCookieConfig struct {
	Secure bool
	Domain string
	MaxAge int
}

// NewClientMiddleware はクライアントCookieを読み取り、クライアントIDをコンテキストに注入するミドルウェアを返す。
// Cookieがない、またはUUIDとして不正な場合は新しいIDを発行してCookieを設定する。
func NewClientMiddleware(config ClientCookieConfig) func(next http.Handler) http.Handler {
	if config.MaxAge <= 0 {
		config.MaxAge = defaultClientCookieMaxAge
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if cookie, err := r.Cookie(clientCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					clientID = id.String()
				}
			}

			if clientID == "" {
				clientID = uuid.New().String()
				http.SetCookie(w, &http.Cookie{
					Name:     clientCookieName,
					Value:    clientID,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
				slog.Debug("issued client cookie", slog.String("client_id", clientID))
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClientID(r.Context(), clientID)))
		})
	}
}

// ClientIDFromContext はリクエストコンテキストからクライアントIDを取得する。
// クライアントミドルウェアを通過したリクエストでのみ有効。
func ClientIDFromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("client ID not found in context")
	}
	return clientID, nil
}

// ContextWithClientID はコンテキストにクライアントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, clientID)
}

// SetUserID はログイン中のユーザーIDをリクエストログに記録する。
// ロギングミドルウェアを通過していないリクエストでは何もしない。
func SetUserID(ctx context.Context, userID string) {
	info, ok := ctx.Value(requestInfoContextKey).(*requestInfo)
	if !ok {
		return
	}
	info.mu.Lock()
	info.userID = userID
	info.mu.Unlock()
}

// UserIDFromContext はSetUserIDで記録されたユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	info, ok := ctx.Value(requestInfoContextKey).(*requestInfo)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return info.userID, nil
}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoContextKey, info), info
}
