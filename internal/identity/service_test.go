package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/model"
)

// TestRegister_NormalizesEmail はメールアドレスが小文字に正規化されて保存されることを検証する。
func TestRegister_NormalizesEmail(t *testing.T) {
	env := newTestEnv(t)

	user, err := env.svc.Register(context.Background(), "  Alice@Example.COM ", "Passw0rd!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %q", user.Email)
	}
	if user.PasswordHash == "" || user.PasswordHash == "Passw0rd!" {
		t.Error("expected password to be hashed")
	}
	if user.EmailVerified {
		t.Error("expected new user to be unverified")
	}
}

// TestRegister_Errors は登録時のプロバイダーエラーコードを検証する。
func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.Register(ctx, "bob@example.com", "Passw0rd!"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	tests := []struct {
		name     string
		email    string
		password string
		wantCode string
	}{
		{"登録済みのメールアドレス", "BOB@example.com", "Passw0rd!", errtrans.CodeEmailAlreadyInUse},
		{"6文字未満のパスワード", "carol@example.com", "abc", errtrans.CodeWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(ctx, tt.email, tt.password)
			if got := errtrans.CodeOf(err); got != tt.wantCode {
				t.Errorf("expected code %q, got %q (err=%v)", tt.wantCode, got, err)
			}
		})
	}
}

// TestAuthenticate は資格情報の検証結果を検証する。
func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.Register(ctx, "dave@example.com", "Passw0rd!"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	t.Run("正しいパスワードで成功する", func(t *testing.T) {
		user, err := env.svc.Authenticate(ctx, "Dave@example.com", "Passw0rd!")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "dave@example.com" {
			t.Errorf("unexpected user: %+v", user)
		}
	})

	t.Run("誤ったパスワードはwrong-password", func(t *testing.T) {
		_, err := env.svc.Authenticate(ctx, "dave@example.com", "nope")
		if got := errtrans.CodeOf(err); got != errtrans.CodeWrongPassword {
			t.Errorf("expected wrong-password, got %q", got)
		}
	})

	t.Run("未登録のメールアドレスはuser-not-found", func(t *testing.T) {
		_, err := env.svc.Authenticate(ctx, "nobody@example.com", "Passw0rd!")
		if got := errtrans.CodeOf(err); got != errtrans.CodeUserNotFound {
			t.Errorf("expected user-not-found, got %q", got)
		}
	})
}

// TestAuthenticate_LocksAfterRepeatedFailures は連続失敗でロックされ、期限後に解除されることを検証する。
func TestAuthenticate_LocksAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.Register(ctx, "erin@example.com", "Passw0rd!"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	for i := 1; i < 5; i++ {
		_, err := env.svc.Authenticate(ctx, "erin@example.com", "bad")
		if got := errtrans.CodeOf(err); got != errtrans.CodeWrongPassword {
			t.Fatalf("attempt %d: expected wrong-password, got %q", i, got)
		}
	}
	_, err := env.svc.Authenticate(ctx, "erin@example.com", "bad")
	if got := errtrans.CodeOf(err); got != errtrans.CodeTooManyRequests {
		t.Fatalf("5th attempt: expected too-many-requests, got %q", got)
	}

	// ロック中は正しいパスワードでも失敗する
	_, err = env.svc.Authenticate(ctx, "erin@example.com", "Passw0rd!")
	if got := errtrans.CodeOf(err); got != errtrans.CodeTooManyRequests {
		t.Fatalf("expected too-many-requests while locked, got %q", got)
	}

	env.clock.Advance(10*time.Minute + time.Second)
	user, err := env.svc.Authenticate(ctx, "erin@example.com", "Passw0rd!")
	if err != nil {
		t.Fatalf("expected success after lock expiry, got %v", err)
	}
	if user.FailedLoginAttempts != 0 || user.LockedUntil != nil {
		t.Errorf("expected login state reset, got attempts=%d locked=%v", user.FailedLoginAttempts, user.LockedUntil)
	}
}

// TestSessions はセッションの発行・復元・期限切れ・破棄を検証する。
func TestSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, err := env.svc.Register(ctx, "frank@example.com", "Passw0rd!")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	long, err := env.svc.OpenSession(ctx, user.ID, model.PersistenceLocal)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	short, err := env.svc.OpenSession(ctx, user.ID, model.PersistenceSession)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if len(long.ID) != 64 {
		t.Errorf("expected 64 hex chars session ID, got %d", len(long.ID))
	}
	if !short.ExpiresAt.Before(long.ExpiresAt) {
		t.Error("expected session persistence to expire earlier than local persistence")
	}

	got, session, err := env.svc.ResumeSession(ctx, long.ID)
	if err != nil || got == nil || session == nil {
		t.Fatalf("ResumeSession failed: user=%v session=%v err=%v", got, session, err)
	}

	env.clock.Advance(13 * time.Hour)
	if _, session, _ := env.svc.ResumeSession(ctx, short.ID); session != nil {
		t.Error("expected short session to be expired")
	}

	if err := env.svc.CloseSession(ctx, long.ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if _, session, _ := env.svc.ResumeSession(ctx, long.ID); session != nil {
		t.Error("expected closed session to be gone")
	}
	if err := env.svc.CloseSession(ctx, ""); err == nil {
		t.Error("expected error for empty session ID")
	}
}

// TestEmailVerification は確認メールのリンクでメールアドレスが確認済みになることを検証する。
func TestEmailVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, err := env.svc.Register(ctx, "grace@example.com", "Passw0rd!")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := env.svc.SendVerification(ctx, user); err != nil {
		t.Fatalf("SendVerification failed: %v", err)
	}
	msg := env.mailer.last(t)
	if msg.To != "grace@example.com" || msg.From != "noreply@example.com" {
		t.Errorf("unexpected envelope: %+v", msg)
	}

	var events []Event
	cancel := env.svc.Watch(user.ID, func(ev Event) { events = append(events, ev) })
	defer cancel()

	verified, err := env.svc.ConfirmVerification(ctx, tokenFromMail(t, msg))
	if err != nil {
		t.Fatalf("ConfirmVerification failed: %v", err)
	}
	if !verified.EmailVerified {
		t.Error("expected user to be verified")
	}
	if len(events) != 1 || events[0].Type != EventProfileChanged {
		t.Errorf("expected one profile change event, got %+v", events)
	}

	t.Run("不正なトークンはinvalid-action-code", func(t *testing.T) {
		_, err := env.svc.ConfirmVerification(ctx, "not-a-token")
		if got := errtrans.CodeOf(err); got != errtrans.CodeInvalidActionCode {
			t.Errorf("expected invalid-action-code, got %q", got)
		}
	})

	t.Run("期限切れのトークンはinvalid-action-code", func(t *testing.T) {
		if err := env.svc.SendVerification(ctx, user); err != nil {
			t.Fatalf("SendVerification failed: %v", err)
		}
		token := tokenFromMail(t, env.mailer.last(t))
		env.clock.Advance(25 * time.Hour)
		_, err := env.svc.ConfirmVerification(ctx, token)
		if got := errtrans.CodeOf(err); got != errtrans.CodeInvalidActionCode {
			t.Errorf("expected invalid-action-code, got %q", got)
		}
	})
}

// TestPasswordReset は再設定リンクが1回だけ使え、既存セッションが破棄されることを検証する。
func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, err := env.svc.Register(ctx, "heidi@example.com", "Passw0rd!")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := env.svc.OpenSession(ctx, user.ID, model.PersistenceLocal); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := env.svc.SendPasswordReset(ctx, "HEIDI@example.com"); err != nil {
		t.Fatalf("SendPasswordReset failed: %v", err)
	}
	token := tokenFromMail(t, env.mailer.last(t))

	// パスワード変更時刻がトークン発行時刻と異なることを保証する
	env.clock.Advance(time.Second)
	if err := env.svc.ConfirmPasswordReset(ctx, token, "N3wPassword"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}
	if env.sessions.count() != 0 {
		t.Errorf("expected all sessions to be deleted, got %d", env.sessions.count())
	}
	if _, err := env.svc.Authenticate(ctx, "heidi@example.com", "N3wPassword"); err != nil {
		t.Errorf("expected new password to work, got %v", err)
	}

	err = env.svc.ConfirmPasswordReset(ctx, token, "An0therPass")
	if got := errtrans.CodeOf(err); got != errtrans.CodeInvalidActionCode {
		t.Errorf("expected reused token to be rejected, got %q", got)
	}

	t.Run("未登録のメールアドレスはuser-not-found", func(t *testing.T) {
		err := env.svc.SendPasswordReset(ctx, "nobody@example.com")
		if got := errtrans.CodeOf(err); got != errtrans.CodeUserNotFound {
			t.Errorf("expected user-not-found, got %q", got)
		}
	})

	t.Run("確認用トークンは再設定に使えない", func(t *testing.T) {
		if err := env.svc.SendVerification(ctx, user); err != nil {
			t.Fatalf("SendVerification failed: %v", err)
		}
		verifyToken := tokenFromMail(t, env.mailer.last(t))
		err := env.svc.ConfirmPasswordReset(ctx, verifyToken, "An0therPass")
		if got := errtrans.CodeOf(err); got != errtrans.CodeInvalidActionCode {
			t.Errorf("expected invalid-action-code, got %q", got)
		}
	})
}

// TestWatch_BroadcastsToSameUserOnly は変更通知が同じユーザーの購読者にだけ届くことを検証する。
func TestWatch_BroadcastsToSameUserOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, _ := env.svc.Register(ctx, "alice@example.com", "Passw0rd!")
	bob, _ := env.svc.Register(ctx, "bob@example.com", "Passw0rd!")

	var aliceEvents, bobEvents []Event
	cancelAlice := env.svc.Watch(alice.ID, func(ev Event) { aliceEvents = append(aliceEvents, ev) })
	cancelBob := env.svc.Watch(bob.ID, func(ev Event) { bobEvents = append(bobEvents, ev) })
	defer cancelBob()

	if err := env.svc.ChangePassword(ctx, alice.ID, "N3wPassword", "sid-1"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if len(aliceEvents) != 1 || aliceEvents[0].Type != EventPasswordChanged || aliceEvents[0].OriginSessionID != "sid-1" {
		t.Errorf("unexpected events for alice: %+v", aliceEvents)
	}
	if len(bobEvents) != 0 {
		t.Errorf("expected no events for bob, got %+v", bobEvents)
	}

	cancelAlice()
	cancelAlice()
	if err := env.svc.DeleteAccount(ctx, alice.ID, ""); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if len(aliceEvents) != 1 {
		t.Errorf("expected no events after cancel, got %+v", aliceEvents)
	}
}

// TestVerifyPassword は現在のパスワード検証を検証する。
func TestVerifyPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, _ := env.svc.Register(ctx, "ivan@example.com", "Passw0rd!")

	if err := env.svc.VerifyPassword(ctx, user.ID, "Passw0rd!"); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	err := env.svc.VerifyPassword(ctx, user.ID, "wrong")
	if got := errtrans.CodeOf(err); got != errtrans.CodeWrongPassword {
		t.Errorf("expected wrong-password, got %q", got)
	}
	err = env.svc.VerifyPassword(ctx, "missing", "Passw0rd!")
	var pe *errtrans.ProviderError
	if !errors.As(err, &pe) || pe.Code != errtrans.CodeUserNotFound {
		t.Errorf("expected user-not-found provider error, got %v", err)
	}
}

// TestActionToken はトークンの用途と有効期限の検証を確認する。
func TestActionToken(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := issueActionToken(secret, "u1", PurposeResetPassword, now, now, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := parseActionToken(secret, token, PurposeResetPassword, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.UserID != "u1" || claims.PasswordAt != now.UnixNano() {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := parseActionToken(secret, token, PurposeVerifyEmail, now); err == nil {
		t.Error("expected purpose mismatch error")
	}
	if _, err := parseActionToken(secret, token, PurposeResetPassword, now.Add(2*time.Hour)); err == nil {
		t.Error("expected expired token error")
	}
	if _, err := parseActionToken([]byte("other"), token, PurposeResetPassword, now); err == nil {
		t.Error("expected signature error")
	}
}
