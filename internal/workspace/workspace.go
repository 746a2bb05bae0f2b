// Package workspace はクライアントごとの作業領域を管理する。
//
// 1つのワークスペースは1つのブラウザ（クライアントCookie）に対応し、
// IDプロバイダークライアント、ログイン状態、レコードのコレクション、現在の画面を持つ。
// ログイン状態の変化に合わせてレコードのライブサブスクリプションを開始・停止する。
package workspace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/devlog/internal/identity"
	"github.com/hitoshi/devlog/internal/localcache"
	"github.com/hitoshi/devlog/internal/metrics"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/record"
	"github.com/hitoshi/devlog/internal/session"
)

// Provider はワークスペースが使うIDプロバイダークライアント。
type Provider interface {
	session.AuthProvider
	// Restore は保存済みのログイン状態を復元し、最初の通知を行う。
	Restore(ctx context.Context) error
	// Verify はサーバー側のセッションがまだ有効かを確認する。
	Verify(ctx context.Context) error
	// Close はプロバイダー側の購読を解除する。
	Close()
}

// ProviderFactory はクライアントIDごとにProviderを生成する。
type ProviderFactory func(clientID string) Provider

// IdentityProviders はidentity.Clientを生成するProviderFactoryを返す。
func IdentityProviders(svc *identity.Service, cache identity.TokenCache, logger *slog.Logger) ProviderFactory {
	return func(clientID string) Provider {
		return identity.NewClient(svc, cache, clientID, logger)
	}
}

// Recorder はワークスペースが記録するメトリクス。
type Recorder interface {
	session.Recorder
	record.Recorder
	SetActiveWorkspaces(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthEvent(string)                   {}
func (nopRecorder) RecordAuthFailure(string, string)         {}
func (nopRecorder) RecordStoreSuccess(string)                {}
func (nopRecorder) RecordStoreFailure(string)                {}
func (nopRecorder) RecordStoreLatency(string, time.Duration) {}
func (nopRecorder) RecordSnapshot(string, int)               {}
func (nopRecorder) SetActiveWorkspaces(int)                  {}

// Workspace は1クライアント分の作業領域。
type Workspace struct {
	ID       string
	Provider Provider
	Session  *session.Manager
	Records  *record.Store
	View     *session.ViewTracker

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	unwire func()

	mu           sync.Mutex
	lastSeen     time.Time
	lastVerified time.Time
	owner        string
	sub          *record.Subscription
}

// LastSeen は最後にアクセスされた時刻を返す。
func (w *Workspace) LastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// onSessionChange はログイン状態に合わせてレコードの購読を切り替える。
// 同じユーザーで購読が動作中の場合は何もしない。
func (w *Workspace) onSessionChange(state session.State, s *model.Session) {
	if state != session.Authenticated || s == nil {
		w.mu.Lock()
		w.owner = ""
		w.sub = nil
		w.mu.Unlock()
		w.Records.Reset()
		return
	}

	live := w.Records.Subscribed(s.UserID)

	w.mu.Lock()
	if w.owner == s.UserID && w.sub != nil && live {
		w.mu.Unlock()
		return
	}
	w.owner = s.UserID
	w.mu.Unlock()

	sub, err := w.Records.Subscribe(w.ctx, s.UserID)
	if err != nil {
		w.logger.Error("failed to subscribe to records",
			slog.String("user_id", s.UserID),
			slog.String("error", err.Error()),
		)
		w.mu.Lock()
		if w.owner == s.UserID {
			w.owner = ""
		}
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if w.owner != s.UserID {
		// 購読の開始中にログアウトした
		w.mu.Unlock()
		sub.Cancel()
		return
	}
	w.sub = sub
	w.mu.Unlock()
}

// resubscribe はログイン中なのにレコードの購読が止まっている場合に購読し直す。
// スナップショットの失敗で停止した購読は、次のアクセス時にここで再開される。
func (w *Workspace) resubscribe() {
	if w.Session.State() != session.Authenticated {
		return
	}
	s := w.Session.Session()
	if s == nil || w.Records.Subscribed(s.UserID) {
		return
	}
	w.logger.Info("restarting record subscription", slog.String("user_id", s.UserID))
	w.onSessionChange(session.Authenticated, s)

	// 購読し直している間にログイン状態が変わった場合は現在の状態に合わせ直す
	if cur := w.Session.Session(); cur == nil {
		w.onSessionChange(session.Unauthenticated, nil)
	} else if cur.UserID != s.UserID {
		w.onSessionChange(session.Authenticated, cur)
	}
}

// close は購読をすべて停止する。保存済みのログイン状態は残す。
func (w *Workspace) close() {
	w.unwire()
	w.Session.Stop()
	w.Provider.Close()
	w.Records.Reset()
	w.cancel()
}

var (
	_ Provider             = (*identity.Client)(nil)
	_ record.SessionSource = (*session.Manager)(nil)
	_ Recorder             = (*metrics.Collector)(nil)
	_ session.Cache        = (localcache.Cache)(nil)
)
