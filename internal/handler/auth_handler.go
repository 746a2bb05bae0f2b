package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/session"
	"github.com/hitoshi/devlog/internal/validate"
)

// AccountConfirmer はメールのリンクから行う操作を提供する。identity.Serviceが実装する。
type AccountConfirmer interface {
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	ConfirmVerification(ctx context.Context, token string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はメール確認後のリダイレクト先。
	BaseURL string
}

// AuthHandler は登録・ログイン・パスワード再設定のHTTPハンドラー。
type AuthHandler struct {
	accounts AccountConfirmer
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(accounts AccountConfirmer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		accounts: accounts,
		config:   config,
	}
}

// userResponse はログイン中のユーザーのAPIレスポンス。
type userResponse struct {
	UserID        string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`
}

// sessionResponse はログイン状態のAPIレスポンス。
// Viewはクライアントが表示すべき画面（signin または dashboard）。
type sessionResponse struct {
	Authenticated bool          `json:"authenticated"`
	Ready         bool          `json:"ready"`
	View          string        `json:"view"`
	User          *userResponse `json:"user,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type passwordResetConfirmRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// SignUp はアカウントを登録してログインする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req session.SignUpInput
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := ws.Session.SignUp(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(ws.Session, ws.View, s))
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := ws.Session.SignIn(r.Context(), req.Email, req.Password, req.Remember)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(ws.Session, ws.View, s))
}

// Logout はログアウトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	if err := ws.Session.SignOut(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PasswordReset はパスワード再設定メールを送信する。
// アカウントの有無にかかわらず同じレスポンスを返す。
// POST /auth/password-reset
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req passwordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := ws.Session.SendPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an account exists for that address, a password reset link has been sent.",
	})
}

// PasswordResetConfirm はメールのトークンでパスワードを再設定する。
// 成功するとそのユーザーのすべてのログインセッションが破棄される。
// POST /auth/password-reset/confirm
func (h *AuthHandler) PasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req passwordResetConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := validate.RequireStrongPassword(req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := validate.ValidatePasswordConfirmation(req.Password, req.ConfirmPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if err := h.accounts.ConfirmPasswordReset(r.Context(), strings.TrimSpace(req.Token), req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}

	slog.Info("password reset confirmed")
	w.WriteHeader(http.StatusNoContent)
}

// Verify はメールの確認リンクを処理し、フロントエンドにリダイレクトする。
// GET /auth/verify?token=xxx
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("The verification link is incomplete."))
		return
	}

	user, err := h.accounts.ConfirmVerification(r.Context(), token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	slog.Info("email verified", slog.String("user_id", user.ID))
	http.Redirect(w, r, strings.TrimRight(h.config.BaseURL, "/")+"/?verified=1", http.StatusSeeOther)
}

// toSessionResponse はログイン状態をレスポンス型に変換する。
// sが指定された場合は操作の結果として返されたセッションを優先する。
func toSessionResponse(m *session.Manager, nav session.Navigator, s *model.Session) sessionResponse {
	if s == nil {
		s = m.Session()
	}
	resp := sessionResponse{
		Authenticated: s != nil,
		Ready:         m.Ready(),
		View:          string(nav.CurrentView()),
	}
	if s != nil {
		resp.User = &userResponse{
			UserID:        s.UserID,
			Email:         s.Email,
			DisplayName:   s.DisplayNameOrDefault(),
			EmailVerified: s.EmailVerified,
		}
	}
	return resp
}
