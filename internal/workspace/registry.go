package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/devlog/internal/docstore"
	"github.com/hitoshi/devlog/internal/localcache"
	"github.com/hitoshi/devlog/internal/record"
	"github.com/hitoshi/devlog/internal/session"
)

// デフォルト値
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultVerifyInterval = time.Minute
)

// ErrClosed はClose後にワークスペースを要求した場合に返される。
var ErrClosed = errors.New("workspace: registry closed")

// Config はRegistryの設定。
type Config struct {
	IdleTimeout       time.Duration
	VerifyInterval    time.Duration
	Policy            session.VerificationPolicy
	DeleteConcurrency int
	Location          *time.Location
}

// Registry はクライアントIDをキーにワークスペースを保持する。
type Registry struct {
	providers ProviderFactory
	docs      docstore.Store
	cache     localcache.Cache
	recorder  Recorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	workspaces map[string]*Workspace
	closed     bool
}

// NewRegistry はRegistryを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewRegistry(
	providers ProviderFactory,
	docs docstore.Store,
	cache localcache.Cache,
	recorder Recorder,
	logger *slog.Logger,
	cfg Config,
) *Registry {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = DefaultVerifyInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		providers:  providers,
		docs:       docs,
		cache:      cache,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		workspaces: make(map[string]*Workspace),
	}
}

// Get はクライアントIDのワークスペースを返す。存在しない場合は生成し、ログイン状態を復元する。
// 既存のワークスペースはVerifyInterval経過ごとにサーバー側のセッションを再確認し、
// 停止したレコードの購読があれば再開する。
func (r *Registry) Get(ctx context.Context, clientID string) (*Workspace, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	ws, ok := r.workspaces[clientID]
	r.mu.Unlock()

	if ok {
		r.verify(ctx, ws)
		ws.resubscribe()
		return ws, nil
	}

	created, err := r.build(ctx, clientID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		created.close()
		return nil, ErrClosed
	}
	if existing, ok := r.workspaces[clientID]; ok {
		// 同じクライアントの同時リクエストで先に登録された方を使う
		r.mu.Unlock()
		created.close()
		return existing, nil
	}
	r.workspaces[clientID] = created
	n := len(r.workspaces)
	r.mu.Unlock()

	r.recorder.SetActiveWorkspaces(n)
	return created, nil
}

// Len は保持しているワークスペース数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// build はワークスペースを組み立て、ログイン状態を復元する。
func (r *Registry) build(ctx context.Context, clientID string) (*Workspace, error) {
	logger := r.logger.With(slog.String("client_id", clientID))
	provider := r.providers(clientID)
	view := session.NewViewTracker(session.ViewSignIn)
	manager := session.NewManager(provider, r.cache, view, r.recorder, logger, session.Config{
		Namespace: clientID,
		Policy:    r.cfg.Policy,
	})
	store := record.NewStore(r.docs, manager, r.recorder, logger, record.Config{
		DeleteConcurrency: r.cfg.DeleteConcurrency,
		Location:          r.cfg.Location,
	})

	wsCtx, cancel := context.WithCancel(r.ctx)
	now := r.now()
	ws := &Workspace{
		ID:           clientID,
		Provider:     provider,
		Session:      manager,
		Records:      store,
		View:         view,
		logger:       logger,
		ctx:          wsCtx,
		cancel:       cancel,
		lastSeen:     now,
		lastVerified: now,
	}
	ws.unwire = manager.OnChange(ws.onSessionChange)
	manager.SetAccountPurger(store.PurgeOwner)

	manager.Start(ctx)
	if err := provider.Restore(ctx); err != nil {
		ws.close()
		return nil, fmt.Errorf("failed to restore workspace %s: %w", clientID, err)
	}
	return ws, nil
}

// verify はアクセス時刻を更新し、必要であればサーバー側のセッションを再確認する。
func (r *Registry) verify(ctx context.Context, ws *Workspace) {
	now := r.now()
	ws.mu.Lock()
	ws.lastSeen = now
	due := now.Sub(ws.lastVerified) >= r.cfg.VerifyInterval
	if due {
		ws.lastVerified = now
	}
	ws.mu.Unlock()

	if !due {
		return
	}
	if err := ws.Provider.Verify(ctx); err != nil {
		ws.logger.Warn("failed to verify session", slog.String("error", err.Error()))
	}
}

// EvictIdle はIdleTimeoutを超えてアクセスのないワークスペースを破棄し、破棄した数を返す。
// 永続モードのログイン状態はローカルキャッシュに残るため、次のアクセスで復元される。
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Workspace
	for id, ws := range r.workspaces {
		if ws.LastSeen().Before(cutoff) {
			idle = append(idle, ws)
			delete(r.workspaces, id)
		}
	}
	n := len(r.workspaces)
	r.mu.Unlock()

	for _, ws := range idle {
		ws.close()
	}
	if len(idle) > 0 {
		r.recorder.SetActiveWorkspaces(n)
		r.logger.Info("アイドル状態のワークスペースを破棄しました",
			slog.Int("evicted", len(idle)),
			slog.Int("active", n),
		)
	}
	return len(idle)
}

// Start はintervalごとにEvictIdleを実行する。コンテキストがキャンセルされるまで実行を継続する。
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("ワークスペースの破棄ループを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("idle_timeout", r.cfg.IdleTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("ワークスペースの破棄ループを停止しました")
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// Close はすべてのワークスペースを破棄する。以降のGetはErrClosedを返す。
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		all = append(all, ws)
	}
	r.workspaces = make(map[string]*Workspace)
	r.mu.Unlock()

	for _, ws := range all {
		ws.close()
	}
	r.cancel()
	r.recorder.SetActiveWorkspaces(0)
}
