// Package session はログイン状態の状態機械を提供する。
//
// IDプロバイダーの状態変化通知を受けてAuthenticated/Unauthenticatedを切り替え、
// セッションのスナップショットをローカルキャッシュへ保存し、画面遷移の方針を適用する。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/validate"
)

// cacheKey はローカルキャッシュ上のセッションスナップショットのキー。
const cacheKey = "session"

// msgAccountKeptRecordsDeleted はレコード削除後にアカウント削除だけが失敗した場合のメッセージ。
const msgAccountKeptRecordsDeleted = "Your projects and logs were deleted, but your account could not be deleted. Please try again."

// State はログイン状態。
type State int

const (
	// Unauthenticated は未ログイン状態。
	Unauthenticated State = iota
	// Authenticated はログイン済み状態。
	Authenticated
)

// String は状態名を返す。
func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// VerificationPolicy はメールアドレス未確認のユーザーの扱い。
type VerificationPolicy string

const (
	// VerificationAdvisory は未確認でもダッシュボードへの遷移を許可する。
	VerificationAdvisory VerificationPolicy = "advisory"
	// VerificationRequired は未確認の場合、ログイン直後にログアウトさせる。
	VerificationRequired VerificationPolicy = "required"
)

// AuthProvider はSessionManagerが利用するIDプロバイダーの機能。
type AuthProvider interface {
	SignUp(ctx context.Context, email, password string) (*model.Principal, error)
	SignIn(ctx context.Context, email, password string) (*model.Principal, error)
	SignOut(ctx context.Context) error
	SendVerificationEmail(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	UpdateProfile(ctx context.Context, displayName string) error
	SetPersistence(mode model.Persistence) error
	Reauthenticate(ctx context.Context, password string) error
	UpdatePassword(ctx context.Context, newPassword string) error
	DeletePrincipal(ctx context.Context) error
	// OnAuthStateChanged は現在のプリンシパル（未ログインの場合はnil）を通知し、以降は変化のたびに通知する。
	OnAuthStateChanged(fn func(*model.Principal)) (unsubscribe func())
	Reload(ctx context.Context) (*model.Principal, error)
}

// Cache はセッションのスナップショットを保存するローカルキャッシュ。
type Cache interface {
	Load(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Store(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// Recorder は認証イベントのメトリクス記録インターフェース。
type Recorder interface {
	RecordAuthEvent(event string)
	RecordAuthFailure(event, code string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthEvent(string)           {}
func (nopRecorder) RecordAuthFailure(string, string) {}

// Config はManagerの設定。
type Config struct {
	// Namespace はローカルキャッシュ上の名前空間（クライアントID）。
	Namespace string
	Policy    VerificationPolicy
}

// SignUpInput は新規登録フォームの入力。
type SignUpInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	DisplayName     string `json:"displayName"`
}

// AccountPurger はアカウント削除の前にユーザーのレコードを削除する関数。
type AccountPurger func(ctx context.Context, userID string) error

// Manager はログイン状態を管理する。
type Manager struct {
	provider  AuthProvider
	cache     Cache
	nav       Navigator
	recorder  Recorder
	logger    *slog.Logger
	namespace string
	policy    VerificationPolicy

	// transition はapplyとclearの副作用（キャッシュ、画面遷移、通知）を直列化する。
	transition sync.Mutex

	mu          sync.Mutex
	// epoch はclearのたびに進める。非同期処理の結果は開始時のepochのままの場合のみ反映する。
	epoch       uint64
	state       State
	session     *model.Session
	ready       bool
	hint        *model.Session
	unsubscribe func()
	listeners   map[int]func(State, *model.Session)
	nextID      int
	purger      AccountPurger
}

// NewManager はManagerを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewManager(provider AuthProvider, cache Cache, nav Navigator, recorder Recorder, logger *slog.Logger, cfg Config) *Manager {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.Policy == "" {
		cfg.Policy = VerificationAdvisory
	}
	return &Manager{
		provider:  provider,
		cache:     cache,
		nav:       nav,
		recorder:  recorder,
		logger:    logger,
		namespace: cfg.Namespace,
		policy:    cfg.Policy,
		listeners: make(map[int]func(State, *model.Session)),
	}
}

// Start はローカルキャッシュのスナップショットを読み込み、プロバイダーの通知の購読を開始する。
// 読み込んだスナップショットは最初の通知までの表示用ヒントとしてのみ使う。
func (m *Manager) Start(ctx context.Context) {
	hint := m.loadHint(ctx)

	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	m.hint = hint
	m.mu.Unlock()

	unsubscribe := m.provider.OnAuthStateChanged(m.handlePrincipal)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

// Stop はプロバイダーの通知の購読を解除する。
func (m *Manager) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// State は現在のログイン状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session は現在のセッションのコピーを返す。未ログインの場合はnil。
func (m *Manager) Session() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Ready はプロバイダーから最初の通知を受け取ったかを返す。
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// CachedHint はStart時にローカルキャッシュから読み込んだスナップショットを返す。
// 最初の通知を受け取った後はnilを返す。
func (m *Manager) CachedHint() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready || m.hint == nil {
		return nil
	}
	s := *m.hint
	return &s
}

// OnChange はログイン状態の変化を購読する。戻り値の関数で購読を解除する。
func (m *Manager) OnChange(fn func(State, *model.Session)) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// SetAccountPurger はアカウント削除前に呼び出す関数を設定する。
func (m *Manager) SetAccountPurger(fn AccountPurger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purger = fn
}

// handlePrincipal はプロバイダーの状態変化通知を状態遷移に変換する。
func (m *Manager) handlePrincipal(p *model.Principal) {
	if p == nil {
		m.clear()
		return
	}
	m.apply(p)
}

// apply はプロバイダーの通知によるプリンシパルをセッションとして反映する。
func (m *Manager) apply(p *model.Principal) *model.Session {
	m.transition.Lock()
	defer m.transition.Unlock()
	return m.applyLocked(p)
}

// applyFrom はプロバイダー呼び出しの結果を反映する。呼び出し中にセッションが破棄された場合や
// 別のユーザーに切り替わった場合は結果を捨ててUnauthenticatedを返す。
func (m *Manager) applyFrom(epoch uint64, p *model.Principal) (*model.Session, error) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	stale := m.epoch != epoch || (m.session != nil && m.session.UserID != p.UID)
	m.mu.Unlock()
	if stale {
		m.logger.Info("discarding principal from a superseded session",
			slog.String("client_id", m.namespace),
			slog.String("user_id", p.UID),
		)
		return nil, model.NewUnauthenticatedError()
	}
	return m.applyLocked(p), nil
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// applyLocked はtransitionを保持した状態で呼び出すこと。
// ログイン画面にいる場合はダッシュボードへ遷移する。
func (m *Manager) applyLocked(p *model.Principal) *model.Session {
	s := model.NewSession(p)

	m.mu.Lock()
	m.state = Authenticated
	m.session = s
	m.ready = true
	m.hint = nil
	m.mu.Unlock()

	m.persist(s)
	if m.nav.CurrentView() == ViewSignIn {
		m.nav.Navigate(ViewDashboard)
	}
	m.notify(Authenticated, s)

	cp := *s
	return &cp
}

// clear はセッションを破棄し、ローカルキャッシュを削除してログイン画面へ遷移する。
func (m *Manager) clear() {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	m.epoch++
	m.state = Unauthenticated
	m.session = nil
	m.ready = true
	m.hint = nil
	m.mu.Unlock()

	if err := m.cache.Delete(context.Background(), m.namespace, cacheKey); err != nil {
		m.logger.Warn("failed to purge session cache", slog.String("error", err.Error()))
	}
	if m.nav.CurrentView() != ViewSignIn {
		m.nav.Navigate(ViewSignIn)
	}
	m.notify(Unauthenticated, nil)
}

func (m *Manager) notify(state State, s *model.Session) {
	m.mu.Lock()
	targets := make([]func(State, *model.Session), 0, len(m.listeners))
	for _, fn := range m.listeners {
		targets = append(targets, fn)
	}
	m.mu.Unlock()

	for _, fn := range targets {
		var cp *model.Session
		if s != nil {
			v := *s
			cp = &v
		}
		fn(state, cp)
	}
}

func (m *Manager) persist(s *model.Session) {
	raw, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("failed to encode session", slog.String("error", err.Error()))
		return
	}
	if err := m.cache.Store(context.Background(), m.namespace, cacheKey, raw); err != nil {
		m.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

func (m *Manager) loadHint(ctx context.Context) *model.Session {
	raw, ok, err := m.cache.Load(ctx, m.namespace, cacheKey)
	if err != nil {
		m.logger.Warn("failed to load cached session", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return nil
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil || s.UserID == "" {
		return nil
	}
	return &s
}

// SignUp はアカウントを登録してログインする。
// 入力はプロバイダーへ送る前に検証し、登録後に表示名の設定と確認メールの送信を行う。
func (m *Manager) SignUp(ctx context.Context, in SignUpInput) (*model.Session, error) {
	email, err := validate.ValidateEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validate.RequireStrongPassword(in.Password); err != nil {
		return nil, err
	}
	if err := validate.ValidatePasswordConfirmation(in.Password, in.ConfirmPassword); err != nil {
		return nil, err
	}
	displayName, err := validate.ValidateDisplayName(in.DisplayName)
	if err != nil {
		return nil, err
	}

	if err := m.provider.SetPersistence(model.PersistenceSession); err != nil {
		return nil, fmt.Errorf("failed to set persistence: %w", err)
	}
	if _, err := m.provider.SignUp(ctx, email, in.Password); err != nil {
		return nil, m.authFailure("signup", err)
	}
	epoch := m.currentEpoch()
	m.recorder.RecordAuthEvent("signup")
	m.logger.Info("user signed up", slog.String("client_id", m.namespace))

	if displayName != "" {
		if err := m.provider.UpdateProfile(ctx, displayName); err != nil {
			return nil, m.authFailure("update_profile", err)
		}
	}
	// 確認メールは設定画面から再送できるため、送信失敗で登録全体を失敗させない
	if err := m.provider.SendVerificationEmail(ctx); err != nil {
		m.logger.Warn("failed to send verification email", slog.String("error", err.Error()))
	}

	p, err := m.provider.Reload(ctx)
	if err != nil {
		return nil, m.authFailure("reload", err)
	}
	// 確認メールは直前に送信済み
	if err := m.enforceVerification(ctx, p, false); err != nil {
		return nil, err
	}
	return m.applyFrom(epoch, p)
}

// SignIn はメールアドレスとパスワードでログインする。
// rememberがtrueの場合は永続モード、falseの場合はブラウザセッション限りのモードを
// 資格情報を送信する前に設定する。
func (m *Manager) SignIn(ctx context.Context, email, password string, remember bool) (*model.Session, error) {
	normalized, err := validate.ValidateEmail(email)
	if err != nil {
		return nil, err
	}

	mode := model.PersistenceSession
	if remember {
		mode = model.PersistenceLocal
	}
	if err := m.provider.SetPersistence(mode); err != nil {
		return nil, fmt.Errorf("failed to set persistence: %w", err)
	}

	p, err := m.provider.SignIn(ctx, normalized, password)
	if err != nil {
		return nil, m.authFailure("signin", err)
	}
	if err := m.enforceVerification(ctx, p, true); err != nil {
		return nil, err
	}
	m.recorder.RecordAuthEvent("signin")
	m.logger.Info("user signed in", slog.String("client_id", m.namespace), slog.String("user_id", p.UID))

	m.mu.Lock()
	current := m.session
	m.mu.Unlock()
	if current != nil && current.UserID == p.UID {
		cp := *current
		return &cp, nil
	}
	return model.NewSession(p), nil
}

// enforceVerification はVerificationRequiredの場合に、未確認のユーザーをログアウトさせる。
// resendがtrueの場合はログアウトの前に確認メールを再送する。送信の失敗は無視する。
func (m *Manager) enforceVerification(ctx context.Context, p *model.Principal, resend bool) error {
	if m.policy != VerificationRequired || p.EmailVerified {
		return nil
	}
	if resend {
		if err := m.provider.SendVerificationEmail(ctx); err != nil {
			m.logger.Warn("failed to resend verification email", slog.String("error", err.Error()))
		}
	}
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.Warn("failed to sign out unverified user", slog.String("error", err.Error()))
	}
	return m.authFailure("signin", errtrans.New(errtrans.CodeEmailNotVerified))
}

// SignOut はログアウトする。
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.provider.SignOut(ctx); err != nil {
		return m.authFailure("signout", err)
	}
	m.recorder.RecordAuthEvent("signout")
	return nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
// アカウントの有無を明かさないため、未登録のメールアドレスでも成功として扱う。
func (m *Manager) SendPasswordReset(ctx context.Context, email string) error {
	normalized, err := validate.ValidateEmail(email)
	if err != nil {
		return err
	}
	if err := m.provider.SendPasswordReset(ctx, normalized); err != nil {
		if errtrans.CodeOf(err) == errtrans.CodeUserNotFound {
			m.logger.Info("password reset requested for unknown account")
			return nil
		}
		return m.authFailure("password_reset", err)
	}
	m.recorder.RecordAuthEvent("password_reset")
	return nil
}

// ResendVerification は確認メールを再送する。
func (m *Manager) ResendVerification(ctx context.Context) error {
	if _, err := m.requireSession(); err != nil {
		return err
	}
	if err := m.provider.SendVerificationEmail(ctx); err != nil {
		return m.authFailure("send_verification", err)
	}
	return nil
}

// UpdateDisplayName は表示名を変更し、更新後のセッションを保存する。
func (m *Manager) UpdateDisplayName(ctx context.Context, displayName string) (*model.Session, error) {
	if _, err := m.requireSession(); err != nil {
		return nil, err
	}
	name, err := validate.ValidateDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	if err := m.provider.UpdateProfile(ctx, name); err != nil {
		return nil, m.authFailure("update_profile", err)
	}
	return m.Refresh(ctx)
}

// ChangePassword は現在のパスワードで再認証してからパスワードを変更する。
// 再認証に失敗した場合は変更を試みずにStaleCredentialを返す。
func (m *Manager) ChangePassword(ctx context.Context, currentPassword, newPassword, confirmPassword string) error {
	if _, err := m.requireSession(); err != nil {
		return err
	}
	if err := validate.RequireStrongPassword(newPassword); err != nil {
		return err
	}
	if err := validate.ValidatePasswordConfirmation(newPassword, confirmPassword); err != nil {
		return err
	}
	if err := m.reauthenticate(ctx, "change_password", currentPassword); err != nil {
		return err
	}
	if err := m.provider.UpdatePassword(ctx, newPassword); err != nil {
		return m.authFailure("change_password", err)
	}
	m.recorder.RecordAuthEvent("change_password")
	return nil
}

// DeleteAccount は現在のパスワードで再認証してから、ユーザーのレコードとアカウントを削除する。
// レコードを先に削除するため、アカウントの削除だけが失敗した場合はその旨のメッセージを返す。
func (m *Manager) DeleteAccount(ctx context.Context, currentPassword string) error {
	s, err := m.requireSession()
	if err != nil {
		return err
	}
	if err := m.reauthenticate(ctx, "delete_account", currentPassword); err != nil {
		return err
	}

	m.mu.Lock()
	purger := m.purger
	m.mu.Unlock()
	if purger != nil {
		if err := purger(ctx, s.UserID); err != nil {
			return err
		}
	}

	if err := m.provider.DeletePrincipal(ctx); err != nil {
		apiErr := errtrans.AsAPIError(err)
		m.logger.Warn("auth operation failed",
			slog.String("event", "delete_account"),
			slog.String("code", apiErr.Code),
			slog.Bool("records_deleted", purger != nil),
			slog.String("error", err.Error()),
		)
		m.recorder.RecordAuthFailure("delete_account", apiErr.Code)
		if purger != nil {
			apiErr.Message = msgAccountKeptRecordsDeleted
		}
		return apiErr
	}
	m.recorder.RecordAuthEvent("delete_account")
	m.logger.Info("account deleted", slog.String("user_id", s.UserID))
	return nil
}

// Refresh はプロバイダーから最新のプリンシパルを取得してセッションを更新する。
// 取得中にログアウトした場合は結果を反映せずUnauthenticatedを返す。
func (m *Manager) Refresh(ctx context.Context) (*model.Session, error) {
	epoch := m.currentEpoch()
	if _, err := m.requireSession(); err != nil {
		return nil, err
	}
	p, err := m.provider.Reload(ctx)
	if err != nil {
		return nil, m.authFailure("reload", err)
	}
	return m.applyFrom(epoch, p)
}

func (m *Manager) reauthenticate(ctx context.Context, event, password string) error {
	if err := m.provider.Reauthenticate(ctx, password); err != nil {
		m.logger.Warn("re-authentication failed",
			slog.String("event", event),
			slog.String("code", errtrans.CodeOf(err)),
		)
		m.recorder.RecordAuthFailure(event, model.ErrCodeStaleCredential)
		return model.NewStaleCredentialError(err)
	}
	return nil
}

func (m *Manager) requireSession() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, model.NewUnauthenticatedError()
	}
	s := *m.session
	return &s, nil
}

// authFailure はプロバイダーのエラーをログに出力し、ユーザー向けのAPIErrorに変換する。
func (m *Manager) authFailure(event string, err error) error {
	apiErr := errtrans.AsAPIError(err)
	m.logger.Warn("auth operation failed",
		slog.String("event", event),
		slog.String("code", apiErr.Code),
		slog.String("error", err.Error()),
	)
	m.recorder.RecordAuthFailure(event, apiErr.Code)
	return apiErr
}
