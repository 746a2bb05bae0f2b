package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hitoshi/devlog/internal/docstore"
	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/localcache"
	"github.com/hitoshi/devlog/internal/middleware"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/view"
	"github.com/hitoshi/devlog/internal/workspace"
)

// --- IDプロバイダーのモック ---

type fakeAccount struct {
	principal model.Principal
	password  string
}

// fakeDirectory は全クライアントで共有するアカウント一覧。
type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount // email -> account
	resets   []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{accounts: make(map[string]*fakeAccount)}
}

func (d *fakeDirectory) add(email, password string, verified bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	uid := strings.SplitN(email, "@", 2)[0]
	d.accounts[email] = &fakeAccount{
		principal: model.Principal{UID: uid, Email: email, EmailVerified: verified},
		password:  password,
	}
}

func (d *fakeDirectory) byUID(uid string) *fakeAccount {
	for _, a := range d.accounts {
		if a.principal.UID == uid {
			return a
		}
	}
	return nil
}

// fakeProvider はクライアントごとのworkspace.Provider実装。
type fakeProvider struct {
	dir *fakeDirectory

	mu        sync.Mutex
	uid       string
	listeners map[int]func(*model.Principal)
	nextID    int
}

func (p *fakeProvider) principal() *model.Principal {
	p.mu.Lock()
	uid := p.uid
	p.mu.Unlock()
	if uid == "" {
		return nil
	}
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()
	a := p.dir.byUID(uid)
	if a == nil {
		return nil
	}
	cp := a.principal
	return &cp
}

func (p *fakeProvider) setUID(uid string) {
	p.mu.Lock()
	p.uid = uid
	targets := make([]func(*model.Principal), 0, len(p.listeners))
	for _, fn := range p.listeners {
		targets = append(targets, fn)
	}
	p.mu.Unlock()
	current := p.principal()
	for _, fn := range targets {
		fn(current)
	}
}

func (p *fakeProvider) Restore(ctx context.Context) error {
	p.setUID("")
	return nil
}

func (p *fakeProvider) Verify(ctx context.Context) error { return nil }

func (p *fakeProvider) Close() {}

func (p *fakeProvider) SignUp(ctx context.Context, email, password string) (*model.Principal, error) {
	p.dir.mu.Lock()
	_, exists := p.dir.accounts[email]
	p.dir.mu.Unlock()
	if exists {
		return nil, errtrans.New(errtrans.CodeEmailAlreadyInUse)
	}
	p.dir.add(email, password, false)
	p.setUID(strings.SplitN(email, "@", 2)[0])
	return p.principal(), nil
}

func (p *fakeProvider) SignIn(ctx context.Context, email, password string) (*model.Principal, error) {
	p.dir.mu.Lock()
	a, ok := p.dir.accounts[email]
	p.dir.mu.Unlock()
	if !ok {
		return nil, errtrans.New(errtrans.CodeUserNotFound)
	}
	if a.password != password {
		return nil, errtrans.New(errtrans.CodeWrongPassword)
	}
	p.setUID(a.principal.UID)
	return p.principal(), nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.setUID("")
	return nil
}

func (p *fakeProvider) SendVerificationEmail(ctx context.Context) error { return nil }

func (p *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()
	if _, ok := p.dir.accounts[email]; !ok {
		return errtrans.New(errtrans.CodeUserNotFound)
	}
	p.dir.resets = append(p.dir.resets, email)
	return nil
}

func (p *fakeProvider) UpdateProfile(ctx context.Context, displayName string) error {
	p.mu.Lock()
	uid := p.uid
	p.mu.Unlock()
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()
	if a := p.dir.byUID(uid); a != nil {
		a.principal.DisplayName = displayName
	}
	return nil
}

func (p *fakeProvider) SetPersistence(mode model.Persistence) error { return nil }

func (p *fakeProvider) Reauthenticate(ctx context.Context, password string) error {
	p.mu.Lock()
	uid := p.uid
	p.mu.Unlock()
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()
	if a := p.dir.byUID(uid); a == nil || a.password != password {
		return errtrans.New(errtrans.CodeWrongPassword)
	}
	return nil
}

func (p *fakeProvider) UpdatePassword(ctx context.Context, newPassword string) error {
	p.mu.Lock()
	uid := p.uid
	p.mu.Unlock()
	p.dir.mu.Lock()
	defer p.dir.mu.Unlock()
	if a := p.dir.byUID(uid); a != nil {
		a.password = newPassword
	}
	return nil
}

func (p *fakeProvider) DeletePrincipal(ctx context.Context) error {
	p.mu.Lock()
	uid := p.uid
	p.mu.Unlock()
	p.dir.mu.Lock()
	if a := p.dir.byUID(uid); a != nil {
		delete(p.dir.accounts, a.principal.Email)
	}
	p.dir.mu.Unlock()
	p.setUID("")
	return nil
}

func (p *fakeProvider) OnAuthStateChanged(fn func(*model.Principal)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) Reload(ctx context.Context) (*model.Principal, error) {
	if pr := p.principal(); pr != nil {
		return pr, nil
	}
	return nil, errtrans.New(errtrans.CodeUserNotFound)
}

var _ workspace.Provider = (*fakeProvider)(nil)

// mockAccounts はAccountConfirmerのモック実装。
type mockAccounts struct {
	confirmPasswordResetFn func(ctx context.Context, token, newPassword string) error
	confirmVerificationFn  func(ctx context.Context, token string) (*model.User, error)
}

func (m *mockAccounts) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if m.confirmPasswordResetFn != nil {
		return m.confirmPasswordResetFn(ctx, token, newPassword)
	}
	return nil
}

func (m *mockAccounts) ConfirmVerification(ctx context.Context, token string) (*model.User, error) {
	if m.confirmVerificationFn != nil {
		return m.confirmVerificationFn(ctx, token)
	}
	return &model.User{ID: "user-1"}, nil
}

// mockPinger はHealthCheckerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

// --- テストサーバー ---

type testServer struct {
	t        *testing.T
	router   http.Handler
	registry *workspace.Registry
	docs     *docstore.MemoryStore
	dir      *fakeDirectory
	accounts *mockAccounts
	pinger   *mockPinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &testServer{
		t:        t,
		docs:     docstore.NewMemoryStore(),
		dir:      newFakeDirectory(),
		accounts: &mockAccounts{},
		pinger:   &mockPinger{},
	}
	s.dir.add("alice@example.com", "Passw0rd", true)
	s.dir.add("bob@example.com", "Passw0rd", true)

	providers := func(clientID string) workspace.Provider {
		return &fakeProvider{dir: s.dir, listeners: make(map[int]func(*model.Principal))}
	}
	s.registry = workspace.NewRegistry(providers, s.docs, localcache.NewMemoryCache(), nil, logger, workspace.Config{})
	t.Cleanup(s.registry.Close)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate: 1000, GeneralBurst: 1000, AuthRate: 1000, AuthBurst: 1000,
	})
	t.Cleanup(rl.Stop)

	s.router = NewRouter(&RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		HealthChecker:     s.pinger,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		Workspaces: s.registry,
		Accounts:   s.accounts,
		AuthConfig: AuthHandlerConfig{BaseURL: "https://devlog.example.com/"},
		Cards:      view.NewCardRenderer(),
	})
	return s
}

// seed はドキュメントストアに直接レコードを書き込む。
func (s *testServer) seed(collection, id string, data map[string]any) {
	s.t.Helper()
	if err := s.docs.Set(context.Background(), collection, id, data, false); err != nil {
		s.t.Fatalf("seed failed: %v", err)
	}
}

// exists はドキュメントストアにドキュメントが存在するかを返す。
func (s *testServer) exists(collection, id string) bool {
	s.t.Helper()
	doc, err := s.docs.Get(context.Background(), collection, id)
	if err != nil {
		s.t.Fatalf("Get failed: %v", err)
	}
	return doc != nil
}

// apiClient はCookieとCSRFトークンを保持してリクエストを送るテスト用クライアント。
type apiClient struct {
	s       *testServer
	cookies map[string]*http.Cookie
}

// newClient はCSRFトークンを取得済みのクライアントを返す。
func (s *testServer) newClient() *apiClient {
	c := &apiClient{s: s, cookies: make(map[string]*http.Cookie)}
	w := c.do(http.MethodGet, "/api/csrf-token", nil)
	if w.Code != http.StatusOK {
		s.t.Fatalf("csrf-token: status = %d", w.Code)
	}
	return c
}

func (c *apiClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.s.t.Fatalf("failed to encode body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	if ck, ok := c.cookies["csrf_token"]; ok {
		req.Header.Set("X-CSRF-Token", ck.Value)
	}

	w := httptest.NewRecorder()
	c.s.router.ServeHTTP(w, req)

	for _, ck := range w.Result().Cookies() {
		c.cookies[ck.Name] = ck
	}
	return w
}

// login はログインして成功したことを確認する。
func (c *apiClient) login(email string) {
	c.s.t.Helper()
	w := c.do(http.MethodPost, "/auth/login", map[string]any{"email": email, "password": "Passw0rd"})
	if w.Code != http.StatusOK {
		c.s.t.Fatalf("login: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode body %q: %v", w.Body.String(), err)
	}
	return v
}

// assertError はステータスコードとエラーコードを検証する。
func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body = %s)", w.Code, status, w.Body.String())
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w)
	if body.Code != code {
		t.Errorf("code = %q, want %q", body.Code, code)
	}
}

var errStoreDown = errors.New("store unavailable")
