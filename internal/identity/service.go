// Package identity はメールアドレスとパスワードによるアカウント管理と、
// ワークスペースごとのIDプロバイダークライアントを提供する。
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/repository"
)

// DefaultBcryptCost はパスワードハッシュのコスト。
const DefaultBcryptCost = 12

// minProviderPasswordLength はプロバイダー側で受け付ける最短のパスワード長。
const minProviderPasswordLength = 6

// ServiceConfig はアカウントサービスの設定。
type ServiceConfig struct {
	Secret             string        // トークン署名鍵
	BaseURL            string        // メール内リンクのベースURL
	MailFrom           string        // 送信元アドレス
	SessionMaxAge      time.Duration // persistence=local のセッション有効期間
	ShortSessionMaxAge time.Duration // persistence=session のセッション有効期間
	MaxLoginAttempts   int           // ロックまでの連続失敗回数
	LockDuration       time.Duration // ロック期間
	VerifyTokenTTL     time.Duration
	ResetTokenTTL      time.Duration
}

// EventType はアカウントに起きた変更の種類。
type EventType int

const (
	// EventProfileChanged は表示名やメール確認状態の変更。
	EventProfileChanged EventType = iota
	// EventPasswordChanged はパスワードの変更。
	EventPasswordChanged
	// EventAccountDeleted はアカウントの削除。
	EventAccountDeleted
)

// Event は同じアカウントにログインしている他のクライアントへ通知される変更。
type Event struct {
	Type   EventType
	UserID string
	// OriginSessionID は変更を行ったセッション。空の場合はセッション外（メール内リンク等）からの変更。
	OriginSessionID string
}

// Service はアカウントとログインセッションに関するビジネスロジックを提供する。
// 全ワークスペースで共有される。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.AuthSessionRepository
	mailer      Mailer
	logger      *slog.Logger
	config      ServiceConfig
	bcryptCost  int
	now         func() time.Time

	mu       sync.Mutex
	watchers map[string]map[int]func(Event)
	nextID   int
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.AuthSessionRepository,
	mailer Mailer,
	logger *slog.Logger,
	config ServiceConfig,
) *Service {
	if config.MaxLoginAttempts <= 0 {
		config.MaxLoginAttempts = 5
	}
	if config.LockDuration <= 0 {
		config.LockDuration = 10 * time.Minute
	}
	if config.VerifyTokenTTL <= 0 {
		config.VerifyTokenTTL = 24 * time.Hour
	}
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = time.Hour
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		mailer:      mailer,
		logger:      logger,
		config:      config,
		bcryptCost:  DefaultBcryptCost,
		now:         time.Now,
		watchers:    make(map[string]map[int]func(Event)),
	}
}

// Register はアカウントを作成する。
// メールアドレスは小文字に正規化して保存する。
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	if len([]rune(password)) < minProviderPasswordLength {
		return nil, errtrans.New(errtrans.CodeWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:                uuid.New().String(),
		Email:             normalizeEmail(email),
		PasswordHash:      string(hash),
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, errtrans.Wrap(errtrans.CodeEmailAlreadyInUse, err)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("new user registered",
		slog.String("user_id", user.ID),
	)
	return user, nil
}

// Authenticate はメールアドレスとパスワードを検証する。
// 連続してMaxLoginAttempts回失敗するとLockDurationの間ロックされる。
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, errtrans.New(errtrans.CodeUserNotFound)
	}

	now := s.now()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return nil, errtrans.New(errtrans.CodeTooManyRequests)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		attempts := user.FailedLoginAttempts + 1
		var lockedUntil *time.Time
		code := errtrans.CodeWrongPassword
		if attempts >= s.config.MaxLoginAttempts {
			lock := now.Add(s.config.LockDuration)
			lockedUntil = &lock
			attempts = 0
			code = errtrans.CodeTooManyRequests
			s.logger.Warn("account locked after repeated login failures",
				slog.String("user_id", user.ID),
			)
		}
		if err := s.userRepo.SaveLoginState(ctx, user.ID, attempts, lockedUntil); err != nil {
			return nil, fmt.Errorf("failed to save login state: %w", err)
		}
		return nil, errtrans.New(code)
	}

	if user.FailedLoginAttempts != 0 || user.LockedUntil != nil {
		if err := s.userRepo.SaveLoginState(ctx, user.ID, 0, nil); err != nil {
			return nil, fmt.Errorf("failed to reset login state: %w", err)
		}
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
	}
	return user, nil
}

// VerifyPassword は指定ユーザーの現在のパスワードを検証する。
func (s *Service) VerifyPassword(ctx context.Context, userID, password string) error {
	user, err := s.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return errtrans.Wrap(errtrans.CodeWrongPassword, err)
	}
	return nil
}

// FindUser は指定IDのユーザーを取得する。存在しない場合はauth/user-not-foundを返す。
func (s *Service) FindUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, errtrans.New(errtrans.CodeUserNotFound)
	}
	return user, nil
}

// OpenSession はログインセッションを発行する。
// 有効期間は永続化モードで決まる。
func (s *Service) OpenSession(ctx context.Context, userID string, persistence model.Persistence) (*model.AuthSession, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	maxAge := s.config.SessionMaxAge
	if persistence == model.PersistenceSession {
		maxAge = s.config.ShortSessionMaxAge
	}
	now := s.now()
	session := &model.AuthSession{
		ID:              sessionID,
		UserID:          userID,
		Persistence:     persistence,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(maxAge),
		CreatedAt:       now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// ResumeSession は発行済みセッションとそのユーザーを取得する。
// 期限切れ、またはユーザーが削除済みの場合はnilを返す。
func (s *Service) ResumeSession(ctx context.Context, sessionID string) (*model.User, *model.AuthSession, error) {
	if sessionID == "" {
		return nil, nil, nil
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil, nil
	}
	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, nil
	}
	return user, session, nil
}

// TouchSession はセッションの資格情報検証時刻を更新する。
func (s *Service) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.sessionRepo.Touch(ctx, sessionID, at)
}

// CloseSession はセッションを破棄する。
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// UpdateDisplayName は表示名を更新する。
func (s *Service) UpdateDisplayName(ctx context.Context, userID, displayName, originSessionID string) error {
	if err := s.userRepo.UpdateDisplayName(ctx, userID, displayName); err != nil {
		return fmt.Errorf("failed to update display name: %w", err)
	}
	s.broadcast(Event{Type: EventProfileChanged, UserID: userID, OriginSessionID: originSessionID})
	return nil
}

// ChangePassword はパスワードを変更する。
// 同じアカウントの他のクライアントにはEventPasswordChangedが通知される。
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword, originSessionID string) error {
	if len([]rune(newPassword)) < minProviderPasswordLength {
		return errtrans.New(errtrans.CodeWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePassword(ctx, userID, string(hash), s.now()); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	s.broadcast(Event{Type: EventPasswordChanged, UserID: userID, OriginSessionID: originSessionID})
	return nil
}

// DeleteAccount はアカウントを削除する。ログインセッションはCASCADE削除される。
func (s *Service) DeleteAccount(ctx context.Context, userID, originSessionID string) error {
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	s.logger.Info("user account deleted", slog.String("user_id", userID))
	s.broadcast(Event{Type: EventAccountDeleted, UserID: userID, OriginSessionID: originSessionID})
	return nil
}

// SendVerification はメールアドレス確認用のリンクを送信する。
func (s *Service) SendVerification(ctx context.Context, user *model.User) error {
	token, err := issueActionToken([]byte(s.config.Secret), user.ID, PurposeVerifyEmail, user.PasswordChangedAt, s.now(), s.config.VerifyTokenTTL)
	if err != nil {
		return err
	}
	link := s.actionLink("/auth/verify", token)
	return s.mailer.Send(ctx, Message{
		From:    s.config.MailFrom,
		To:      user.Email,
		Subject: "Verify your email",
		Body:    "Follow this link to verify your email address: " + link,
	})
}

// ConfirmVerification は確認リンクのトークンを検証し、メールアドレスを確認済みにする。
func (s *Service) ConfirmVerification(ctx context.Context, token string) (*model.User, error) {
	claims, err := parseActionToken([]byte(s.config.Secret), token, PurposeVerifyEmail, s.now())
	if err != nil {
		return nil, errtrans.Wrap(errtrans.CodeInvalidActionCode, err)
	}
	user, err := s.FindUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !user.EmailVerified {
		if err := s.userRepo.MarkEmailVerified(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("failed to mark email verified: %w", err)
		}
		user.EmailVerified = true
		s.broadcast(Event{Type: EventProfileChanged, UserID: user.ID})
	}
	return user, nil
}

// SendPasswordReset はパスワード再設定用のリンクを送信する。
// アカウントが存在しない場合はauth/user-not-foundを返す。
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	user, err := s.userRepo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return errtrans.New(errtrans.CodeUserNotFound)
	}
	token, err := issueActionToken([]byte(s.config.Secret), user.ID, PurposeResetPassword, user.PasswordChangedAt, s.now(), s.config.ResetTokenTTL)
	if err != nil {
		return err
	}
	link := s.actionLink("/auth/password-reset/confirm", token)
	return s.mailer.Send(ctx, Message{
		From:    s.config.MailFrom,
		To:      user.Email,
		Subject: "Reset your password",
		Body:    "Follow this link to reset your password: " + link,
	})
}

// ConfirmPasswordReset はトークンを検証してパスワードを再設定する。
// 既存のログインセッションはすべて破棄される。
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	claims, err := parseActionToken([]byte(s.config.Secret), token, PurposeResetPassword, s.now())
	if err != nil {
		return errtrans.Wrap(errtrans.CodeInvalidActionCode, err)
	}
	user, err := s.FindUser(ctx, claims.UserID)
	if err != nil {
		return err
	}
	if user.PasswordChangedAt.UnixNano() != claims.PasswordAt {
		return errtrans.New(errtrans.CodeInvalidActionCode)
	}
	if err := s.ChangePassword(ctx, user.ID, newPassword, ""); err != nil {
		return err
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, user.ID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if err := s.userRepo.SaveLoginState(ctx, user.ID, 0, nil); err != nil {
		return fmt.Errorf("failed to reset login state: %w", err)
	}
	return nil
}

// Watch は指定ユーザーの変更通知を購読する。戻り値の関数で購読を解除する。
func (s *Service) Watch(userID string, fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.watchers[userID] == nil {
		s.watchers[userID] = make(map[int]func(Event))
	}
	s.watchers[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[userID], id)
			if len(s.watchers[userID]) == 0 {
				delete(s.watchers, userID)
			}
		})
	}
}

// broadcast はロックを解放してから購読者を呼び出す。
func (s *Service) broadcast(ev Event) {
	s.mu.Lock()
	targets := make([]func(Event), 0, len(s.watchers[ev.UserID]))
	for _, fn := range s.watchers[ev.UserID] {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(ev)
	}
}

func (s *Service) actionLink(path, token string) string {
	return strings.TrimRight(s.config.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
