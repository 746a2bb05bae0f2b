// Package record はログイン中のユーザーのProjectとLogをメモリ上に保持し、
// ドキュメントストアとのCRUDとライブサブスクリプションによる同期を提供する。
//
// メモリ上のコレクションはキャッシュであり、正はドキュメントストア側にある。
// コレクションはロードまたはスナップショットのたびに全件置き換えられる。
package record

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/devlog/internal/docstore"
	"github.com/hitoshi/devlog/internal/model"
)

// DefaultDeleteConcurrency はカスケード削除で同時に発行する削除数の既定値。
const DefaultDeleteConcurrency = 8

// ユーザー向けのエラーメッセージ
const (
	msgLoadProjects   = "Failed to load projects. Please try again."
	msgLoadLogs       = "Failed to load logs. Please try again."
	msgSubscribe      = "Failed to start live updates. Please reload the page."
	msgCreateProject  = "Failed to create project. Please try again."
	msgUpdateProject  = "Failed to update project. Please try again."
	msgDeleteProject  = "Failed to delete project. Please try again."
	msgDeleteLogsKept = "Failed to delete some logs of this project. The project was kept; please try again."
	msgCreateLog      = "Failed to create log. Please try again."
	msgUpdateLog      = "Failed to update log. Please try again."
	msgDeleteLog      = "Failed to delete log. Please try again."
	msgPurge          = "Failed to delete your projects and logs. Please try again."
)

// SessionSource は現在のセッションを提供する。session.Managerが実装する。
type SessionSource interface {
	Session() *model.Session
}

// Recorder はドキュメントストア操作のメトリクス記録インターフェース。
type Recorder interface {
	RecordStoreSuccess(op string)
	RecordStoreFailure(op string)
	RecordStoreLatency(op string, d time.Duration)
	RecordSnapshot(collection string, size int)
}

type nopRecorder struct{}

func (nopRecorder) RecordStoreSuccess(string)                {}
func (nopRecorder) RecordStoreFailure(string)                {}
func (nopRecorder) RecordStoreLatency(string, time.Duration) {}
func (nopRecorder) RecordSnapshot(string, int)               {}

// Config はStoreの設定。
type Config struct {
	DeleteConcurrency int
	// Location は期間フィルタの既定のタイムゾーン。
	Location *time.Location
}

// Store はユーザーのProjectとLogのコレクションを保持する。
type Store struct {
	docs     docstore.Store
	session  SessionSource
	recorder Recorder
	logger   *slog.Logger

	deleteConcurrency int
	location          *time.Location
	now               func() time.Time

	mu       sync.Mutex
	ownerID  string
	projects []model.Project
	logs     []model.Log
	// projectsVer/logsVer はコレクションを置き換えるたびに進める。
	// ロード結果は、クエリ中に新しいスナップショットが反映されていない場合のみ適用する。
	projectsVer uint64
	logsVer     uint64
	generation  uint64
	sub         *Subscription
	listeners   map[int]func(collection string)
	nextID      int
}

// NewStore はStoreを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewStore(docs docstore.Store, session SessionSource, recorder Recorder, logger *slog.Logger, cfg Config) *Store {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.DeleteConcurrency <= 0 {
		cfg.DeleteConcurrency = DefaultDeleteConcurrency
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Store{
		docs:              docs,
		session:           session,
		recorder:          recorder,
		logger:            logger,
		deleteConcurrency: cfg.DeleteConcurrency,
		location:          cfg.Location,
		now:               time.Now,
		listeners:         make(map[int]func(string)),
	}
}

// Subscription はライブサブスクリプションのハンドル。
// ProjectとLogの2つのスナップショット購読をまとめて扱う。
type Subscription struct {
	store *Store
	gen   uint64

	mu   sync.Mutex
	subs []docstore.Subscription
	done bool
	once sync.Once
}

// Cancel は購読を停止する。以降に届いたスナップショットは無視される。複数回呼んでもよい。
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.store.mu.Lock()
		if s.store.generation == s.gen {
			s.store.generation++
		}
		if s.store.sub == s {
			s.store.sub = nil
		}
		s.store.mu.Unlock()

		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.done = true
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Stop()
		}
	})
}

func (s *Subscription) attach(sub docstore.Subscription) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		sub.Stop()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// OnChange はコレクションの置き換えを購読する。引数はコレクション名。
func (s *Store) OnChange(fn func(collection string)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Projects は現在のProjectコレクションのコピーを返す。
func (s *Store) Projects() []model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Project(nil), s.projects...)
}

// Logs は現在のLogコレクションのコピーを返す。
func (s *Store) Logs() []model.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Log(nil), s.logs...)
}

// Project はコレクションからIDでProjectを探す。
func (s *Store) Project(id string) (model.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.ID == id {
			return p, true
		}
	}
	return model.Project{}, false
}

// LoadProjects はownerIDのProjectをすべて取得し、コレクションを置き換える。
// 失敗した場合はコレクションを変更しない。
func (s *Store) LoadProjects(ctx context.Context, ownerID string) ([]model.Project, error) {
	s.mu.Lock()
	ver := s.projectsVer
	s.mu.Unlock()

	start := time.Now()
	docs, err := s.docs.Query(ctx, ownedQuery(model.CollectionProjects, ownerID))
	s.track("load_projects", start, err)
	if err != nil {
		return nil, s.storeFailure("load_projects", msgLoadProjects, err)
	}
	projects := toProjects(docs)

	s.mu.Lock()
	applied := s.projectsVer == ver
	if applied {
		s.ownerID = ownerID
		s.projects = projects
		s.projectsVer++
	}
	s.mu.Unlock()

	if applied {
		s.notify(model.CollectionProjects)
	}
	return append([]model.Project(nil), projects...), nil
}

// LoadLogs はownerIDのLogをすべて取得し、コレクションを置き換える。
// 失敗した場合はコレクションを変更しない。
func (s *Store) LoadLogs(ctx context.Context, ownerID string) ([]model.Log, error) {
	s.mu.Lock()
	ver := s.logsVer
	s.mu.Unlock()

	start := time.Now()
	docs, err := s.docs.Query(ctx, ownedQuery(model.CollectionLogs, ownerID))
	s.track("load_logs", start, err)
	if err != nil {
		return nil, s.storeFailure("load_logs", msgLoadLogs, err)
	}
	logs := toLogs(docs)

	s.mu.Lock()
	applied := s.logsVer == ver
	if applied {
		s.ownerID = ownerID
		s.logs = logs
		s.logsVer++
	}
	s.mu.Unlock()

	if applied {
		s.notify(model.CollectionLogs)
	}
	return append([]model.Log(nil), logs...), nil
}

// Subscribe はownerIDのProjectとLogのライブサブスクリプションを開始する。
// 既存のサブスクリプションは先に停止する。ctxはサブスクリプションの寿命を表す。
func (s *Store) Subscribe(ctx context.Context, ownerID string) (*Subscription, error) {
	s.mu.Lock()
	prev := s.sub
	s.generation++
	gen := s.generation
	if s.ownerID != ownerID {
		s.projects = nil
		s.logs = nil
		s.projectsVer++
		s.logsVer++
	}
	s.ownerID = ownerID
	sub := &Subscription{store: s, gen: gen}
	s.sub = sub
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	projSub, err := s.docs.OnSnapshot(ctx, ownedQuery(model.CollectionProjects, ownerID), s.projectsHandler(gen))
	if err != nil {
		sub.Cancel()
		return nil, s.storeFailure("subscribe", msgSubscribe, err)
	}
	sub.attach(projSub)

	logSub, err := s.docs.OnSnapshot(ctx, ownedQuery(model.CollectionLogs, ownerID), s.logsHandler(gen))
	if err != nil {
		sub.Cancel()
		return nil, s.storeFailure("subscribe", msgSubscribe, err)
	}
	sub.attach(logSub)

	s.logger.Info("record subscription started", slog.String("owner_id", ownerID))
	return sub, nil
}

// Reset はサブスクリプションを停止し、両方のコレクションを空にする。ログアウト時に使う。
func (s *Store) Reset() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.generation++
	s.ownerID = ""
	s.projects = nil
	s.logs = nil
	s.projectsVer++
	s.logsVer++
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.notify(model.CollectionProjects)
	s.notify(model.CollectionLogs)
}

func (s *Store) projectsHandler(gen uint64) docstore.SnapshotFunc {
	return func(docs []docstore.Document, err error) {
		if err != nil {
			s.snapshotFailed(gen, model.CollectionProjects, err)
			return
		}
		projects := toProjects(docs)

		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.projects = projects
		s.projectsVer++
		s.mu.Unlock()

		s.recorder.RecordSnapshot(model.CollectionProjects, len(projects))
		s.notify(model.CollectionProjects)
	}
}

func (s *Store) logsHandler(gen uint64) docstore.SnapshotFunc {
	return func(docs []docstore.Document, err error) {
		if err != nil {
			s.snapshotFailed(gen, model.CollectionLogs, err)
			return
		}
		logs := toLogs(docs)

		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		s.logs = logs
		s.logsVer++
		s.mu.Unlock()

		s.recorder.RecordSnapshot(model.CollectionLogs, len(logs))
		s.notify(model.CollectionLogs)
	}
}

// snapshotFailed はスナップショットの失敗をログに出力し、停止したサブスクリプションを
// スロットから外す。コレクションは直前の状態のまま残り、Subscribedはfalseになる。
func (s *Store) snapshotFailed(gen uint64, collection string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("snapshot listener failed",
		slog.String("collection", collection),
		slog.String("error", err.Error()),
	)
	s.recorder.RecordStoreFailure("snapshot")

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	sub := s.sub
	s.sub = nil
	s.generation++
	s.mu.Unlock()

	// もう一方のコレクションのリスナーも止める
	if sub != nil {
		sub.Cancel()
	}
}

// Subscribed はownerIDのライブサブスクリプションが動作中かを返す。
func (s *Store) Subscribed(ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && s.ownerID == ownerID
}

func (s *Store) notify(collection string) {
	s.mu.Lock()
	targets := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(collection)
	}
}

// currentOwner はアクティブなセッションのユーザーIDを返す。
func (s *Store) currentOwner() (string, error) {
	if s.session == nil {
		return "", model.NewUnauthenticatedError()
	}
	sess := s.session.Session()
	if sess == nil || sess.UserID == "" {
		return "", model.NewUnauthenticatedError()
	}
	return sess.UserID, nil
}

// track は操作結果とレイテンシを記録する。ErrNotFoundは失敗として数えない。
func (s *Store) track(op string, start time.Time, err error) {
	s.recorder.RecordStoreLatency(op, time.Since(start))
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.recorder.RecordStoreFailure(op)
		return
	}
	s.recorder.RecordStoreSuccess(op)
}

// storeFailure はストアのエラーをログに出力し、ユーザー向けのStoreErrorに変換する。
func (s *Store) storeFailure(op, message string, err error) error {
	s.logger.Error("document store operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return model.NewStoreError(message, err)
}

func ownedQuery(collection, ownerID string) docstore.Query {
	return docstore.Query{
		Collection: collection,
		OrderBy:    model.FieldCreatedAt,
		Direction:  docstore.Desc,
	}.Where(model.FieldOwnerID, ownerID)
}

func toProjects(docs []docstore.Document) []model.Project {
	projects := make([]model.Project, 0, len(docs))
	for _, d := range docs {
		projects = append(projects, model.ProjectFromData(d.ID, d.Data))
	}
	return projects
}

func toLogs(docs []docstore.Document) []model.Log {
	logs := make([]model.Log, 0, len(docs))
	for _, d := range docs {
		logs = append(logs, model.LogFromData(d.ID, d.Data))
	}
	return logs
}
