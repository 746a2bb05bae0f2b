package handler

import (
	"net/http"
)

// AccountHandler はログイン状態とアカウント設定のHTTPハンドラー。
type AccountHandler struct{}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler() *AccountHandler {
	return &AccountHandler{}
}

type updateProfileRequest struct {
	DisplayName string `json:"displayName"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type deleteAccountRequest struct {
	CurrentPassword string `json:"currentPassword"`
}

// GetSession は現在のログイン状態を返す。未ログインでも200を返す。
// GET /api/session
func (h *AccountHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(ws.Session, ws.View, nil))
}

// Refresh はIDプロバイダーから最新のユーザー情報を取得する。
// メール確認後に確認状態を反映するために使う。
// POST /api/session/refresh
func (h *AccountHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	s, err := ws.Session.Refresh(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(ws.Session, ws.View, s))
}

// UpdateProfile は表示名を変更する。
// PATCH /api/profile
func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := ws.Session.UpdateDisplayName(r.Context(), req.DisplayName)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(ws.Session, ws.View, s))
}

// ResendVerification は確認メールを再送する。
// POST /api/account/verification
func (h *AccountHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	if err := ws.Session.ResendVerification(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ChangePassword は現在のパスワードで再認証してからパスワードを変更する。
// PUT /api/account/password
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := ws.Session.ChangePassword(r.Context(), req.CurrentPassword, req.NewPassword, req.ConfirmPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteAccount は現在のパスワードで再認証してから、レコードとアカウントを削除する。
// DELETE /api/account
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req deleteAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := ws.Session.DeleteAccount(r.Context(), req.CurrentPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
