package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/devlog/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     model.ErrCodeTitleRequired,
		Title:    "Validation Error",
		Message:  "Project title is required.",
		Category: model.CategoryValidation,
		Action:   "Enter a title.",
		Err:      errors.New("internal detail"),
	})

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	want := map[string]string{
		"code":     model.ErrCodeTitleRequired,
		"title":    "Validation Error",
		"message":  "Project title is required.",
		"category": model.CategoryValidation,
		"action":   "Enter a title.",
	}
	for k, v := range want {
		if raw[k] != v {
			t.Errorf("%s = %v, want %q", k, raw[k], v)
		}
	}
	if len(raw) != len(want) {
		t.Errorf("unexpected fields in body: %v", raw)
	}
}

// TestWriteErrorResponse_DefaultTitle はタイトル未設定時に既定値が使われることを検証する。
func TestWriteErrorResponse_DefaultTitle(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusNotFound, &model.APIError{Code: "X", Message: "m"})

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Title != "Error" {
		t.Errorf("title = %q, want %q", body.Title, "Error")
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal || body.Category != model.CategorySystem {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

// TestStatusForError はカテゴリごとのステータスコードを検証する。
func TestStatusForError(t *testing.T) {
	tests := []struct {
		category string
		want     int
	}{
		{model.CategoryValidation, http.StatusBadRequest},
		{model.CategoryAuth, http.StatusUnauthorized},
		{model.CategoryStaleCredential, http.StatusForbidden},
		{model.CategoryNotFound, http.StatusNotFound},
		{model.CategoryStore, http.StatusBadGateway},
		{model.CategorySystem, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			if got := StatusForError(&model.APIError{Category: tt.category}); got != tt.want {
				t.Errorf("StatusForError(%q) = %d, want %d", tt.category, got, tt.want)
			}
		})
	}
}
