package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore はCloud Firestoreを使用したStore実装。
type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestoreStore はFirestoreクライアントを生成する。
// credentialsFileが空の場合はApplication Default Credentialsを使用する。
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, logger: logger}, nil
}

// Close はクライアントを閉じる。
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Query はクエリに一致するドキュメントを返す。
func (s *FirestoreStore) Query(ctx context.Context, q Query) ([]Document, error) {
	snaps, err := s.buildQuery(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	return toDocuments(snaps), nil
}

// Get は指定IDのドキュメントを取得する。存在しない場合はnilを返す。
func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

// Set はドキュメントを書き込む。
func (s *FirestoreStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ref := s.client.Collection(collection).Doc(id)
	var err error
	if merge {
		_, err = ref.Set(ctx, toFirestoreData(data), firestore.MergeAll)
	} else {
		_, err = ref.Set(ctx, toFirestoreData(data))
	}
	if err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	return nil
}

// Update は指定フィールドのみをマージ更新する。
// 前提条件がある場合はトランザクション内で読み取りと更新を行う。
func (s *FirestoreStore) Update(ctx context.Context, collection, id string, patch map[string]any, preconditions ...Match) error {
	ref := s.client.Collection(collection).Doc(id)
	updates := toUpdates(patch)

	if len(preconditions) == 0 {
		_, err := ref.Update(ctx, updates)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
		return nil
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := checkPreconditions(tx, ref, preconditions); err != nil {
			return err
		}
		return tx.Update(ref, updates)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

// Delete はドキュメントを削除する。
func (s *FirestoreStore) Delete(ctx context.Context, collection, id string, preconditions ...Match) error {
	ref := s.client.Collection(collection).Doc(id)

	if len(preconditions) == 0 {
		_, err := ref.Delete(ctx, firestore.Exists)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return nil
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := checkPreconditions(tx, ref, preconditions); err != nil {
			return err
		}
		return tx.Delete(ref)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Add は新しいIDでドキュメントを作成する。
func (s *FirestoreStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, _, err := s.client.Collection(collection).Add(ctx, toFirestoreData(data))
	if err != nil {
		return "", fmt.Errorf("failed to add document: %w", err)
	}
	return ref.ID, nil
}

// OnSnapshot はFirestoreのスナップショットリスナーを開始する。
func (s *FirestoreStore) OnSnapshot(ctx context.Context, q Query, fn SnapshotFunc) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	it := s.buildQuery(q).Snapshots(subCtx)
	sub := &firestoreSubscription{cancel: cancel, it: it}

	go func() {
		defer sub.Stop()
		for {
			qs, err := it.Next()
			if subCtx.Err() != nil || errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				s.logger.Error("firestore snapshot listener failed",
					slog.String("collection", q.Collection),
					slog.String("error", err.Error()),
				)
				fn(nil, err)
				return
			}
			snaps, err := qs.Documents.GetAll()
			if err != nil {
				fn(nil, err)
				return
			}
			fn(toDocuments(snaps), nil)
		}
	}()

	return sub, nil
}

type firestoreSubscription struct {
	cancel context.CancelFunc
	it     *firestore.QuerySnapshotIterator
	once   sync.Once
}

// Stop はリスナーを停止する。
func (sub *firestoreSubscription) Stop() {
	sub.once.Do(func() {
		sub.cancel()
		sub.it.Stop()
	})
}

func (s *FirestoreStore) buildQuery(q Query) firestore.Query {
	fq := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, "==", f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Direction == Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

func checkPreconditions(tx *firestore.Transaction, ref *firestore.DocumentRef, preconditions []Match) error {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !matchesPreconditions(snap.Data(), preconditions) {
		return ErrNotFound
	}
	return nil
}

// toFirestoreData はServerTimestampセンチネルをFirestoreのセンチネルに置き換える。
func toFirestoreData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsServerTimestamp(v) {
			out[k] = firestore.ServerTimestamp
			continue
		}
		out[k] = v
	}
	return out
}

func toUpdates(patch map[string]any) []firestore.Update {
	data := toFirestoreData(patch)
	updates := make([]firestore.Update, 0, len(data))
	for k, v := range data {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	return updates
}

func toDocuments(snaps []*firestore.DocumentSnapshot) []Document {
	docs := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return docs
}

// compile-time interface check
var _ Store = (*FirestoreStore)(nil)
