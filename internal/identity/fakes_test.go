package identity

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/devlog/internal/localcache"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/repository"
)

// --- テスト用のインメモリリポジトリ ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*model.User)}
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) UpdateDisplayName(_ context.Context, id, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.DisplayName = displayName
	}
	return nil
}

func (r *memUserRepo) UpdatePassword(_ context.Context, id, passwordHash string, changedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = changedAt
	}
	return nil
}

func (r *memUserRepo) MarkEmailVerified(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.EmailVerified = true
	}
	return nil
}

func (r *memUserRepo) SaveLoginState(_ context.Context, id string, failedAttempts int, lockedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.FailedLoginAttempts = failedAttempts
		u.LockedUntil = lockedUntil
	}
	return nil
}

func (r *memUserRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.AuthSession
	users    *memUserRepo
	now      func() time.Time
}

func newMemSessionRepo(users *memUserRepo, now func() time.Time) *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.AuthSession), users: users, now: now}
}

func (r *memSessionRepo) Create(_ context.Context, session *model.AuthSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memSessionRepo) FindByID(ctx context.Context, id string) (*model.AuthSession, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || !r.now().Before(s.ExpiresAt) {
		return nil, nil
	}
	// ユーザー削除時のCASCADEを再現する
	if u, _ := r.users.FindByID(ctx, s.UserID); u == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) Touch(_ context.Context, id string, authenticatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.AuthenticatedAt = authenticatedAt
	}
	return nil
}

func (r *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *memSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}

func (r *memSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type captureMailer struct {
	mu   sync.Mutex
	sent []Message
}

func (m *captureMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) last(t *testing.T) Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("expected a mail to be sent")
	}
	return m.sent[len(m.sent)-1]
}

// tokenFromMail はメール本文のリンクからトークンを取り出す。
func tokenFromMail(t *testing.T, msg Message) string {
	t.Helper()
	_, raw, ok := strings.Cut(msg.Body, "token=")
	if !ok {
		t.Fatalf("mail body has no token: %q", msg.Body)
	}
	token, err := url.QueryUnescape(raw)
	if err != nil {
		t.Fatalf("failed to unescape token: %v", err)
	}
	return token
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv はServiceとその依存をまとめたテスト環境。
type testEnv struct {
	svc      *Service
	users    *memUserRepo
	sessions *memSessionRepo
	mailer   *captureMailer
	clock    *fakeClock
	cache    *localcache.MemoryCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	users := newMemUserRepo()
	sessions := newMemSessionRepo(users, clock.Now)
	mailer := &captureMailer{}
	svc := NewService(users, sessions, mailer, discardLogger(), ServiceConfig{
		Secret:             "test-secret-with-enough-length",
		BaseURL:            "http://localhost:8080/",
		MailFrom:           "noreply@example.com",
		SessionMaxAge:      30 * 24 * time.Hour,
		ShortSessionMaxAge: 12 * time.Hour,
	})
	svc.bcryptCost = bcrypt.MinCost
	svc.now = clock.Now
	return &testEnv{
		svc:      svc,
		users:    users,
		sessions: sessions,
		mailer:   mailer,
		clock:    clock,
		cache:    localcache.NewMemoryCache(),
	}
}

func (e *testEnv) newClient(namespace string) *Client {
	c := NewClient(e.svc, e.cache, namespace, discardLogger())
	c.now = e.clock.Now
	return c
}

// principalRecorder はOnAuthStateChangedの通知を記録する。
type principalRecorder struct {
	mu    sync.Mutex
	calls []*model.Principal
}

func (r *principalRecorder) record(p *model.Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
}

func (r *principalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *principalRecorder) last() *model.Principal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

// compile-time interface checks
var (
	_ repository.UserRepository        = (*memUserRepo)(nil)
	_ repository.AuthSessionRepository = (*memSessionRepo)(nil)
	_ Mailer                           = (*captureMailer)(nil)
)
