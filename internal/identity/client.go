package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/model"
)

// DefaultRecentLoginWindow はパスワード変更やアカウント削除を許可する、資格情報検証からの経過時間。
const DefaultRecentLoginWindow = 5 * time.Minute

// tokenKey はローカルキャッシュ上のログイントークンのキー。
const tokenKey = "auth_token"

// TokenCache はログイントークンを保存するローカルキャッシュ。
type TokenCache interface {
	Load(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Store(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// storedToken はローカルキャッシュに保存するトークン。
type storedToken struct {
	SessionID   string            `json:"sessionId"`
	Persistence model.Persistence `json:"persistence"`
}

// Client はワークスペースごとのIDプロバイダークライアント。
// 現在のプリンシパルを保持し、変化をOnAuthStateChangedの購読者へ通知する。
type Client struct {
	svc       *Service
	cache     TokenCache
	namespace string
	logger    *slog.Logger

	recentLogin time.Duration
	now         func() time.Time

	mu          sync.Mutex
	persistence model.Persistence
	user        *model.User
	session     *model.AuthSession
	initialized bool
	listeners   map[int]func(*model.Principal)
	nextID      int
	unwatch     func()
}

// NewClient はClientを生成する。namespaceはローカルキャッシュ上の名前空間（クライアントID）。
// Restoreを呼ぶまで最初の通知は行われない。
func NewClient(svc *Service, cache TokenCache, namespace string, logger *slog.Logger) *Client {
	return &Client{
		svc:         svc,
		cache:       cache,
		namespace:   namespace,
		logger:      logger.With(slog.String("client_id", namespace)),
		recentLogin: DefaultRecentLoginWindow,
		now:         time.Now,
		persistence: model.PersistenceLocal,
		listeners:   make(map[int]func(*model.Principal)),
	}
}

// Restore はローカルキャッシュのトークンからログイン状態を復元し、最初の通知を行う。
// トークンが無効な場合は未ログインとして通知する。
func (c *Client) Restore(ctx context.Context) error {
	user, session := c.restoreToken(ctx)

	c.mu.Lock()
	if session != nil {
		c.persistence = session.Persistence
	}
	c.setCurrentLocked(user, session)
	c.initialized = true
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Client) restoreToken(ctx context.Context) (*model.User, *model.AuthSession) {
	raw, ok, err := c.cache.Load(ctx, c.namespace, tokenKey)
	if err != nil {
		c.logger.Warn("failed to load auth token", slog.String("error", err.Error()))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	var tok storedToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		c.logger.Warn("discarding malformed auth token", slog.String("error", err.Error()))
		c.deleteToken(ctx)
		return nil, nil
	}

	user, session, err := c.svc.ResumeSession(ctx, tok.SessionID)
	if err != nil {
		c.logger.Error("failed to resume session", slog.String("error", err.Error()))
		return nil, nil
	}
	if session == nil {
		c.deleteToken(ctx)
		return nil, nil
	}
	return user, session
}

// Verify はサーバー側のセッションがまだ有効かを確認する。
// 期限切れや他のクライアントからの削除を検知した場合は未ログインとして通知する。
func (c *Client) Verify(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionIDLocked()
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	_, session, err := c.svc.ResumeSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to verify session: %w", err)
	}
	if session == nil {
		c.logger.Info("session expired")
		c.signOutLocal(ctx, sessionID)
	}
	return nil
}

// SetPersistence は以降のログインで使う永続化モードを設定する。
// ログイン中に変更した場合は保存済みトークンも切り替える。
func (c *Client) SetPersistence(mode model.Persistence) error {
	if mode != model.PersistenceLocal && mode != model.PersistenceSession {
		return fmt.Errorf("unknown persistence mode: %q", mode)
	}
	c.mu.Lock()
	c.persistence = mode
	session := c.session
	c.mu.Unlock()

	if session != nil {
		c.saveToken(context.Background(), session.ID, mode)
	}
	return nil
}

// SignUp はアカウントを作成してログインする。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Principal, error) {
	user, err := c.svc.Register(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.startSession(ctx, user)
}

// SignIn はメールアドレスとパスワードでログインする。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Principal, error) {
	user, err := c.svc.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.startSession(ctx, user)
}

func (c *Client) startSession(ctx context.Context, user *model.User) (*model.Principal, error) {
	c.mu.Lock()
	persistence := c.persistence
	previous := c.sessionIDLocked()
	c.mu.Unlock()

	session, err := c.svc.OpenSession(ctx, user.ID, persistence)
	if err != nil {
		return nil, err
	}
	if previous != "" {
		if err := c.svc.CloseSession(ctx, previous); err != nil {
			c.logger.Warn("failed to close previous session", slog.String("error", err.Error()))
		}
	}
	c.saveToken(ctx, session.ID, persistence)

	c.mu.Lock()
	c.setCurrentLocked(user, session)
	c.initialized = true
	c.mu.Unlock()

	c.notify()
	return user.ToPrincipal(), nil
}

// SignOut はログアウトする。サーバー側セッションの破棄に失敗してもローカルの状態は破棄する。
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionIDLocked()
	c.mu.Unlock()

	if sessionID != "" {
		if err := c.svc.CloseSession(ctx, sessionID); err != nil {
			c.logger.Warn("failed to close session", slog.String("error", err.Error()))
		}
	}
	c.signOutLocal(ctx, sessionID)
	return nil
}

// SendVerificationEmail は現在のユーザーへ確認メールを送信する。
func (c *Client) SendVerificationEmail(ctx context.Context) error {
	uid, _, err := c.current()
	if err != nil {
		return err
	}
	user, err := c.svc.FindUser(ctx, uid)
	if err != nil {
		return err
	}
	return c.svc.SendVerification(ctx, user)
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.svc.SendPasswordReset(ctx, email)
}

// UpdateProfile は表示名を更新する。購読者への通知は行わない。
func (c *Client) UpdateProfile(ctx context.Context, displayName string) error {
	uid, sessionID, err := c.current()
	if err != nil {
		return err
	}
	if err := c.svc.UpdateDisplayName(ctx, uid, displayName, sessionID); err != nil {
		return err
	}
	c.mu.Lock()
	if c.user != nil && c.user.ID == uid {
		c.user.DisplayName = displayName
	}
	c.mu.Unlock()
	return nil
}

// Reauthenticate は現在のパスワードを再検証し、資格情報の検証時刻を更新する。
func (c *Client) Reauthenticate(ctx context.Context, password string) error {
	uid, sessionID, err := c.current()
	if err != nil {
		return err
	}
	if err := c.svc.VerifyPassword(ctx, uid, password); err != nil {
		return err
	}
	now := c.now()
	if err := c.svc.TouchSession(ctx, sessionID, now); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	c.mu.Lock()
	if c.session != nil && c.session.ID == sessionID {
		c.session.AuthenticatedAt = now
	}
	c.mu.Unlock()
	return nil
}

// UpdatePassword はパスワードを変更する。直近に資格情報を検証していない場合はauth/requires-recent-loginを返す。
func (c *Client) UpdatePassword(ctx context.Context, newPassword string) error {
	uid, sessionID, err := c.requireRecentLogin()
	if err != nil {
		return err
	}
	return c.svc.ChangePassword(ctx, uid, newPassword, sessionID)
}

// DeletePrincipal はアカウントを削除し、未ログインとして通知する。
func (c *Client) DeletePrincipal(ctx context.Context) error {
	uid, sessionID, err := c.requireRecentLogin()
	if err != nil {
		return err
	}
	if err := c.svc.DeleteAccount(ctx, uid, sessionID); err != nil {
		return err
	}
	c.signOutLocal(ctx, sessionID)
	return nil
}

// Reload はプロバイダー側の最新のユーザー情報を取得する。
// ユーザーが削除されていた場合はログアウトしてauth/user-not-foundを返す。
func (c *Client) Reload(ctx context.Context) (*model.Principal, error) {
	uid, sessionID, err := c.current()
	if err != nil {
		return nil, err
	}
	user, err := c.svc.FindUser(ctx, uid)
	if err != nil {
		if errtrans.CodeOf(err) == errtrans.CodeUserNotFound {
			c.signOutLocal(ctx, sessionID)
		}
		return nil, err
	}

	c.mu.Lock()
	if c.user != nil && c.user.ID == uid {
		c.user = user
	}
	c.mu.Unlock()
	return user.ToPrincipal(), nil
}

// OnAuthStateChanged はログイン状態の変化を購読する。
// 初期化済みの場合は現在の状態を直ちに通知する。
func (c *Client) OnAuthStateChanged(fn func(*model.Principal)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	initialized := c.initialized
	current := c.principalLocked()
	c.mu.Unlock()

	if initialized {
		fn(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// CurrentPrincipal は現在のプリンシパルを返す。未ログインの場合はnil。
func (c *Client) CurrentPrincipal() *model.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principalLocked()
}

// Close はアカウント変更の購読を解除する。ログイン状態は保存されたまま残る。
func (c *Client) Close() {
	c.mu.Lock()
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// onEvent は同じアカウントに対する他のクライアントからの変更を受け取る。
func (c *Client) onEvent(ev Event) {
	c.mu.Lock()
	sessionID := c.sessionIDLocked()
	matches := c.user != nil && c.user.ID == ev.UserID
	c.mu.Unlock()

	if !matches || ev.OriginSessionID == sessionID {
		return
	}
	switch ev.Type {
	case EventPasswordChanged, EventAccountDeleted:
		c.logger.Info("signed out by account change", slog.Int("event", int(ev.Type)))
		c.signOutLocal(context.Background(), sessionID)
	}
}

// signOutLocal はsessionIDのセッションが現在のものである場合に限り、ローカルの状態を破棄して通知する。
func (c *Client) signOutLocal(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if c.sessionIDLocked() != sessionID {
		c.mu.Unlock()
		return
	}
	c.setCurrentLocked(nil, nil)
	c.initialized = true
	c.mu.Unlock()

	c.deleteToken(ctx)
	c.notify()
}

// setCurrentLocked は現在のユーザーを差し替え、アカウント変更の購読をつなぎ替える。
func (c *Client) setCurrentLocked(user *model.User, session *model.AuthSession) {
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	c.user = user
	c.session = session
	if user != nil {
		c.unwatch = c.svc.Watch(user.ID, c.onEvent)
	}
}

func (c *Client) notify() {
	c.mu.Lock()
	current := c.principalLocked()
	targets := make([]func(*model.Principal), 0, len(c.listeners))
	for _, fn := range c.listeners {
		targets = append(targets, fn)
	}
	c.mu.Unlock()

	for _, fn := range targets {
		fn(current)
	}
}

func (c *Client) current() (userID, sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil || c.session == nil {
		return "", "", errtrans.New(errtrans.CodeNoCurrentUser)
	}
	return c.user.ID, c.session.ID, nil
}

func (c *Client) requireRecentLogin() (userID, sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil || c.session == nil {
		return "", "", errtrans.New(errtrans.CodeNoCurrentUser)
	}
	if c.now().Sub(c.session.AuthenticatedAt) > c.recentLogin {
		return "", "", errtrans.New(errtrans.CodeRequiresRecentLogin)
	}
	return c.user.ID, c.session.ID, nil
}

func (c *Client) principalLocked() *model.Principal {
	if c.user == nil {
		return nil
	}
	return c.user.ToPrincipal()
}

func (c *Client) sessionIDLocked() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// saveToken はpersistence=localの場合のみトークンを保存する。
// persistence=sessionの場合は保存済みのトークンを削除し、ワークスペースが破棄されるとログイン状態も失われる。
func (c *Client) saveToken(ctx context.Context, sessionID string, persistence model.Persistence) {
	if persistence != model.PersistenceLocal {
		c.deleteToken(ctx)
		return
	}
	raw, err := json.Marshal(storedToken{SessionID: sessionID, Persistence: persistence})
	if err != nil {
		c.logger.Error("failed to encode auth token", slog.String("error", err.Error()))
		return
	}
	if err := c.cache.Store(ctx, c.namespace, tokenKey, raw); err != nil {
		c.logger.Warn("failed to store auth token", slog.String("error", err.Error()))
	}
}

func (c *Client) deleteToken(ctx context.Context) {
	if err := c.cache.Delete(ctx, c.namespace, tokenKey); err != nil {
		c.logger.Warn("failed to delete auth token", slog.String("error", err.Error()))
	}
}
