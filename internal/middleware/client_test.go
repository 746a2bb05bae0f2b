package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

// TestClientMiddleware_IssuesCookie はCookieがない場合に新しいクライアントIDを発行することを検証する。
func TestClientMiddleware_IssuesCookie(t *testing.T) {
	var captured string
	handler := NewClientMiddleware(ClientCookieConfig{Secure: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ClientIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	c := findCookie(w.Result(), clientCookieName)
	if c == nil {
		t.Fatal("expected client cookie to be set")
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		t.Errorf("cookie value %q is not a UUID", c.Value)
	}
	if captured != c.Value {
		t.Errorf("context client ID = %q, want %q", captured, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie attributes: %+v", c)
	}
	if c.MaxAge != defaultClientCookieMaxAge {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, defaultClientCookieMaxAge)
	}
}

// TestClientMiddleware_ReusesCookie は既存のCookieをそのまま使うことを検証する。
func TestClientMiddleware_ReusesCookie(t *testing.T) {
	existing := uuid.New().String()

	var captured string
	handler := NewClientMiddleware(ClientCookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: clientCookieName, Value: existing})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if captured != existing {
		t.Errorf("client ID = %q, want %q", captured, existing)
	}
	if findCookie(w.Result(), clientCookieName) != nil {
		t.Error("existing client cookie should not be reissued")
	}
}

// TestClientMiddleware_ReplacesInvalidCookie はUUIDでないCookieを置き換えることを検証する。
func TestClientMiddleware_ReplacesInvalidCookie(t *testing.T) {
	var captured string
	handler := NewClientMiddleware(ClientCookieConfig{MaxAge: 60})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: clientCookieName, Value: "../../etc/passwd"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	c := findCookie(w.Result(), clientCookieName)
	if c == nil || c.Value != captured || c.MaxAge != 60 {
		t.Errorf("expected a fresh cookie matching context, got cookie=%+v context=%q", c, captured)
	}
}

func TestClientIDFromContext_Missing(t *testing.T) {
	if _, err := ClientIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing client ID")
	}
}

// TestSetUserID はリクエスト情報を通じてユーザーIDが共有されることを検証する。
func TestSetUserID(t *testing.T) {
	t.Run("リクエスト情報あり", func(t *testing.T) {
		ctx, _ := withRequestInfo(context.Background())
		SetUserID(ctx, "alice")

		got, err := UserIDFromContext(ctx)
		if err != nil || got != "alice" {
			t.Errorf("UserIDFromContext = (%q, %v), want (alice, nil)", got, err)
		}
	})

	t.Run("リクエスト情報なし", func(t *testing.T) {
		ctx := context.Background()
		SetUserID(ctx, "alice")

		if _, err := UserIDFromContext(ctx); err == nil {
			t.Error("expected error without request info")
		}
	})

	t.Run("未ログイン", func(t *testing.T) {
		ctx, _ := withRequestInfo(context.Background())
		if _, err := UserIDFromContext(ctx); err == nil {
			t.Error("expected error when no user ID was set")
		}
	})
}
