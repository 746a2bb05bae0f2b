package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/model"
)

// TestSignUp_CreatesAccountAndSignsIn は登録後にログイン状態になることを検証する。
func TestSignUp_CreatesAccountAndSignsIn(t *testing.T) {
	s := newTestServer(t)
	c := s.newClient()

	w := c.do(http.MethodPost, "/auth/signup", map[string]any{
		"email":           "carol@example.com",
		"password":        "Str0ngPass",
		"confirmPassword": "Str0ngPass",
		"displayName":     "Carol",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body = %s)", w.Code, http.StatusCreated, w.Body.String())
	}

	resp := decodeBody[sessionResponse](t, w)
	if !resp.Authenticated || resp.User == nil {
		t.Fatalf("expected authenticated session, got %+v", resp)
	}
	if resp.User.DisplayName != "Carol" || resp.View != "dashboard" {
		t.Errorf("unexpected session: %+v user=%+v", resp, *resp.User)
	}
	if resp.User.UserID != "carol" || resp.User.EmailVerified {
		t.Errorf("unexpected user: %+v", *resp.User)
	}
}

// TestSignUp_Validation はプロバイダーへ送る前の入力検証を検証する。
func TestSignUp_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"不正なメールアドレス", map[string]any{"email": "carol", "password": "Str0ngPass", "confirmPassword": "Str0ngPass"}, model.ErrCodeInvalidEmail},
		{"弱いパスワード", map[string]any{"email": "carol@example.com", "password": "weak", "confirmPassword": "weak"}, model.ErrCodeWeakPassword},
		{"確認用パスワード不一致", map[string]any{"email": "carol@example.com", "password": "Str0ngPass", "confirmPassword": "Str0ngPass!"}, model.ErrCodePasswordMismatch},
	}

	s := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := s.newClient()
			assertError(t, c.do(http.MethodPost, "/auth/signup", tt.body), http.StatusBadRequest, tt.code)
		})
	}

	s.dir.mu.Lock()
	_, created := s.dir.accounts["carol@example.com"]
	s.dir.mu.Unlock()
	if created {
		t.Error("account should not be created when validation fails")
	}
}

// TestSignUp_EmailInUse は登録済みメールアドレスのエラーが翻訳されることを検証する。
func TestSignUp_EmailInUse(t *testing.T) {
	s := newTestServer(t)
	c := s.newClient()

	w := c.do(http.MethodPost, "/auth/signup", map[string]any{
		"email": "alice@example.com", "password": "Str0ngPass", "confirmPassword": "Str0ngPass",
	})
	assertError(t, w, http.StatusUnauthorized, errtrans.CodeEmailAlreadyInUse)
}

// TestLogin は正しい資格情報でログインでき、誤ったパスワードでは翻訳済みのエラーを返すことを検証する。
func TestLogin(t *testing.T) {
	s := newTestServer(t)

	t.Run("成功", func(t *testing.T) {
		c := s.newClient()
		w := c.do(http.MethodPost, "/auth/login", map[string]any{"email": "alice@example.com", "password": "Passw0rd", "remember": true})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		resp := decodeBody[sessionResponse](t, w)
		if !resp.Authenticated || resp.User.UserID != "alice" {
			t.Errorf("unexpected session: %+v", resp)
		}
		if resp.User.DisplayName != "alice" {
			t.Errorf("display name = %q, want e-mail local part", resp.User.DisplayName)
		}
	})

	t.Run("パスワード誤り", func(t *testing.T) {
		c := s.newClient()
		w := c.do(http.MethodPost, "/auth/login", map[string]any{"email": "alice@example.com", "password": "nope"})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		body := decodeBody[map[string]string](t, w)
		if body["code"] != errtrans.CodeWrongPassword || body["title"] == "" || body["message"] == "" {
			t.Errorf("unexpected error body: %v", body)
		}
	})

	t.Run("不正なJSON", func(t *testing.T) {
		c := s.newClient()
		assertError(t, c.do(http.MethodPost, "/auth/login", "not-an-object"), http.StatusBadRequest, model.ErrCodeInvalidRequest)
	})
}

// TestLogout はログアウト後にセッションが未ログインになることを検証する。
func TestLogout(t *testing.T) {
	s := newTestServer(t)
	c := s.newClient()
	c.login("alice@example.com")

	if w := c.do(http.MethodPost, "/auth/logout", nil); w.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d", w.Code)
	}

	resp := decodeBody[sessionResponse](t, c.do(http.MethodGet, "/api/session", nil))
	if resp.Authenticated || resp.View != "signin" {
		t.Errorf("expected signed-out session, got %+v", resp)
	}
}

// TestPasswordReset は登録の有無にかかわらず同じレスポンスを返すことを検証する。
func TestPasswordReset(t *testing.T) {
	s := newTestServer(t)
	c := s.newClient()

	for _, email := range []string{"alice@example.com", "nobody@example.com"} {
		w := c.do(http.MethodPost, "/auth/password-reset", map[string]any{"email": email})
		if w.Code != http.StatusAccepted {
			t.Errorf("%s: status = %d, want %d", email, w.Code, http.StatusAccepted)
		}
	}
	if len(s.dir.resets) != 1 || s.dir.resets[0] != "alice@example.com" {
		t.Errorf("resets = %v, want [alice@example.com]", s.dir.resets)
	}

	assertError(t, c.do(http.MethodPost, "/auth/password-reset", map[string]any{"email": "bad"}), http.StatusBadRequest, model.ErrCodeInvalidEmail)
}

// TestPasswordResetConfirm はトークンによるパスワード再設定を検証する。
func TestPasswordResetConfirm(t *testing.T) {
	s := newTestServer(t)
	c := s.newClient()

	var gotToken, gotPassword string
	s.accounts.confirmPasswordResetFn = func(ctx context.Context, token, newPassword string) error {
		if token == "expired" {
			return errtrans.New(errtrans.CodeInvalidActionCode)
		}
		gotToken, gotPassword = token, newPassword
		return nil
	}

	t.Run("成功", func(t *testing.T) {
		w := c.do(http.MethodPost, "/auth/password-reset/confirm", map[string]any{
			"token": " tok-1 ", "password": "N3wPassword", "confirmPassword": "N3wPassword",
		})
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if gotToken != "tok-1" || gotPassword != "N3wPassword" {
			t.Errorf("confirm called with (%q, %q)", gotToken, gotPassword)
		}
	})

	t.Run("弱いパスワード", func(t *testing.T) {
		w := c.do(http.MethodPost, "/auth/password-reset/confirm", map[string]any{
			"token": "tok-2", "password": "short", "confirmPassword": "short",
		})
		assertError(t, w, http.StatusBadRequest, model.ErrCodeWeakPassword)
	})

	t.Run("無効なトークン", func(t *testing.T) {
		w := c.do(http.MethodPost, "/auth/password-reset/confirm", map[string]any{
			"token": "expired", "password": "N3wPassword", "confirmPassword": "N3wPassword",
		})
		assertError(t, w, http.StatusUnauthorized, errtrans.CodeInvalidActionCode)
	})
}

// TestVerify は確認リンクの処理を検証する。
func TestVerify(t *testing.T) {
	s := newTestServer(t)
	c := s.newClient()

	s.accounts.confirmVerificationFn = func(ctx context.Context, token string) (*model.User, error) {
		if token != "good" {
			return nil, errtrans.New(errtrans.CodeInvalidActionCode)
		}
		return &model.User{ID: "alice", EmailVerified: true}, nil
	}

	w := c.do(http.MethodGet, "/auth/verify?token=good", nil)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "https://devlog.example.com/?verified=1" {
		t.Errorf("Location = %q", loc)
	}

	assertError(t, c.do(http.MethodGet, "/auth/verify?token=bad", nil), http.StatusUnauthorized, errtrans.CodeInvalidActionCode)
	assertError(t, c.do(http.MethodGet, "/auth/verify", nil), http.StatusBadRequest, model.ErrCodeInvalidRequest)
}
