package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内で完結するStore実装。
// 書き込みが完了した時点で該当するサブスクリプションへスナップショットを同期的に配信する。
// テストと DOCSTORE_BACKEND=memory で使用する。
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any

	// deliverMu はスナップショットの取得と配信を直列化し、古いスナップショットが
	// 新しいものの後に届かないようにする。
	deliverMu sync.Mutex
	subsMu    sync.Mutex
	subs      map[*memorySubscription]struct{}

	now func() time.Time

	// failFn が非nilを返した操作はそのエラーで失敗する。
	failFn func(op, collection, id string) error
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[*memorySubscription]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock はServerTimestampの解決に使う時計を差し替える。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFailure は書き込み操作に失敗を注入する関数を設定する。nilで解除する。
func (s *MemoryStore) SetFailure(fn func(op, collection, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFn = fn
}

func (s *MemoryStore) injected(op, collection, id string) error {
	if s.failFn == nil {
		return nil
	}
	return s.failFn(op, collection, id)
}

// Query はクエリに一致するドキュメントを返す。
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("query", q.Collection, ""); err != nil {
		return nil, err
	}
	return s.queryLocked(q), nil
}

func (s *MemoryStore) queryLocked(q Query) []Document {
	docs := make([]Document, 0)
	for id, data := range s.collections[q.Collection] {
		if matchesFilters(data, q.Filters) {
			docs = append(docs, Document{ID: id, Data: cloneData(data)})
		}
	}
	// マップの走査順に依存しないよう、まずIDで並べる
	sortByID(docs)
	sortDocuments(docs, q.OrderBy, q.Direction)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

// Get は指定IDのドキュメントを取得する。存在しない場合はnilを返す。
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("get", collection, id); err != nil {
		return nil, err
	}
	data, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return &Document{ID: id, Data: cloneData(data)}, nil
}

// Set はドキュメントを書き込む。
func (s *MemoryStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected("set", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}
	resolved := resolveTimestamps(data, s.now())
	coll := s.collectionLocked(collection)
	if existing, ok := coll[id]; ok && merge {
		for k, v := range resolved {
			existing[k] = v
		}
	} else {
		coll[id] = resolved
	}
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Update は指定フィールドのみをマージ更新する。
func (s *MemoryStore) Update(ctx context.Context, collection, id string, patch map[string]any, preconditions ...Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected("update", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}
	existing, ok := s.collections[collection][id]
	if !ok || !matchesPreconditions(existing, preconditions) {
		s.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range resolveTimestamps(patch, s.now()) {
		existing[k] = v
	}
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Delete はドキュメントを削除する。
func (s *MemoryStore) Delete(ctx context.Context, collection, id string, preconditions ...Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected("delete", collection, id); err != nil {
		s.mu.Unlock()
		return err
	}
	existing, ok := s.collections[collection][id]
	if !ok || !matchesPreconditions(existing, preconditions) {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Add は新しいIDでドキュメントを作成する。
func (s *MemoryStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	s.mu.Lock()
	if err := s.injected("add", collection, id); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.collectionLocked(collection)[id] = resolveTimestamps(data, s.now())
	s.mu.Unlock()

	s.notify(collection)
	return id, nil
}

// Count はコレクション内のドキュメント数を返す。テスト用。
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryStore) collectionLocked(collection string) map[string]map[string]any {
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.collections[collection] = coll
	}
	return coll
}

// memorySubscription はMemoryStoreのサブスクリプション。
type memorySubscription struct {
	store   *MemoryStore
	query   Query
	fn      SnapshotFunc
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// Stop はサブスクリプションを停止する。
func (sub *memorySubscription) Stop() {
	sub.mu.Lock()
	if !sub.stopped {
		sub.stopped = true
		close(sub.done)
	}
	sub.mu.Unlock()

	sub.store.subsMu.Lock()
	delete(sub.store.subs, sub)
	sub.store.subsMu.Unlock()
}

func (sub *memorySubscription) isStopped() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.stopped
}

// OnSnapshot はライブサブスクリプションを開始し、最初のスナップショットを同期的に配信する。
func (s *MemoryStore) OnSnapshot(ctx context.Context, q Query, fn SnapshotFunc) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{store: s, query: q, fn: fn, done: make(chan struct{})}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Stop()
			case <-sub.done:
			}
		}()
	}

	s.deliverMu.Lock()
	s.deliver(sub)
	s.deliverMu.Unlock()

	return sub, nil
}

// notify はcollectionを購読しているサブスクリプションへ最新のスナップショットを配信する。
func (s *MemoryStore) notify(collection string) {
	s.subsMu.Lock()
	targets := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		if sub.query.Collection == collection {
			targets = append(targets, sub)
		}
	}
	s.subsMu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, sub := range targets {
		s.deliver(sub)
	}
}

// deliver はdeliverMuを保持した状態で呼び出すこと。
// コールバック内からストアへ書き込むとデッドロックする。
func (s *MemoryStore) deliver(sub *memorySubscription) {
	if sub.isStopped() {
		return
	}
	s.mu.RLock()
	docs := s.queryLocked(sub.query)
	s.mu.RUnlock()
	sub.fn(docs, nil)
}

// FailSubscriptions はcollectionを購読しているサブスクリプションへerrを配信して停止する。
// リスナーがエラーで終了する他の実装と同じ振る舞いを再現する。
func (s *MemoryStore) FailSubscriptions(collection string, err error) int {
	s.subsMu.Lock()
	targets := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		if sub.query.Collection == collection {
			targets = append(targets, sub)
		}
	}
	s.subsMu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	n := 0
	for _, sub := range targets {
		if sub.isStopped() {
			continue
		}
		sub.Stop()
		sub.fn(nil, err)
		n++
	}
	return n
}

func sortByID(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
