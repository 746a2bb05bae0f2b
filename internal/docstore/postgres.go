package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// serverTimestampSQL は$Nで渡されたフィールド名すべてにサーバー時刻を設定するJSONBを生成する。
// 時刻はUTCの固定幅ISO8601文字列で格納するため、テキスト比較でも時系列順になる。
const serverTimestampSQL = `COALESCE((SELECT jsonb_object_agg(k, to_jsonb(to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'))) FROM unnest($%d::text[]) AS k), '{}'::jsonb)`

// PostgresStore はPostgreSQLのJSONBテーブル documents を使用したStore実装。
// ライブサブスクリプションはChangeHub（LISTEN/NOTIFY）で変更を検知して再クエリする。
type PostgresStore struct {
	db     *sql.DB
	hub    *ChangeHub
	logger *slog.Logger
}

// NewPostgresStore はPostgresStoreを生成する。
// hubがnilの場合、OnSnapshotはエラーを返す。
func NewPostgresStore(db *sql.DB, hub *ChangeHub, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, hub: hub, logger: logger}
}

// Query はクエリに一致するドキュメントを返す。
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Document, error) {
	query, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// Get は指定IDのドキュメントを取得する。存在しない場合はnilを返す。
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &Document{ID: id, Data: data}, nil
}

// Set はドキュメントを書き込む。
func (s *PostgresStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	rest, tsFields := splitTimestamps(data)
	payload, err := json.Marshal(rest)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	onConflict := `data = EXCLUDED.data`
	if merge {
		onConflict = `data = documents.data || EXCLUDED.data`
	}
	query := `INSERT INTO documents (collection, id, data)
		 VALUES ($1, $2, $3::jsonb || ` + fmt.Sprintf(serverTimestampSQL, 4) + `)
		 ON CONFLICT (collection, id) DO UPDATE SET ` + onConflict + `, updated_at = now()`

	if _, err := s.db.ExecContext(ctx, query, collection, id, payload, pq.Array(tsFields)); err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	return nil
}

// Update は指定フィールドのみをマージ更新する。
// 対象ドキュメントの存在と前提条件は同じUPDATE文で評価する。
func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch map[string]any, preconditions ...Match) error {
	rest, tsFields := splitTimestamps(patch)
	payload, err := json.Marshal(rest)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	cond, err := encodeMatches(preconditions)
	if err != nil {
		return err
	}

	query := `UPDATE documents
		 SET data = data || $3::jsonb || ` + fmt.Sprintf(serverTimestampSQL, 4) + `, updated_at = now()
		 WHERE collection = $1 AND id = $2 AND data @> $5::jsonb`
	result, err := s.db.ExecContext(ctx, query, collection, id, payload, pq.Array(tsFields), cond)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return requireAffected(result)
}

// Delete はドキュメントを削除する。
func (s *PostgresStore) Delete(ctx context.Context, collection, id string, preconditions ...Match) error {
	cond, err := encodeMatches(preconditions)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2 AND data @> $3::jsonb`,
		collection, id, cond,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return requireAffected(result)
}

// Add は新しいIDでドキュメントを作成する。
func (s *PostgresStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	rest, tsFields := splitTimestamps(data)
	payload, err := json.Marshal(rest)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	id := uuid.New().String()
	query := `INSERT INTO documents (collection, id, data)
		 VALUES ($1, $2, $3::jsonb || ` + fmt.Sprintf(serverTimestampSQL, 4) + `)`
	if _, err := s.db.ExecContext(ctx, query, collection, id, payload, pq.Array(tsFields)); err != nil {
		return "", fmt.Errorf("failed to add document: %w", err)
	}
	return id, nil
}

// OnSnapshot はライブサブスクリプションを開始する。
// 最初のスナップショットと以降の変更は、サブスクリプションごとのgoroutineから直列に配信される。
func (s *PostgresStore) OnSnapshot(ctx context.Context, q Query, fn SnapshotFunc) (Subscription, error) {
	if s.hub == nil {
		return nil, errors.New("docstore: change hub is not configured")
	}
	if _, _, err := buildSelect(q); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &pgSubscription{
		store:  s,
		hub:    s.hub,
		query:  q,
		fn:     fn,
		dirty:  make(chan struct{}, 1),
		ctx:    subCtx,
		cancel: cancel,
	}
	s.hub.add(sub)
	sub.signal()
	go sub.loop()

	return sub, nil
}

// pgSubscription はPostgresStoreのサブスクリプション。
// 変更通知はdirtyチャネルで合流させ、ループ側で1回の再クエリにまとめる。
type pgSubscription struct {
	store  *PostgresStore
	hub    *ChangeHub
	query  Query
	fn     SnapshotFunc
	dirty  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Stop はサブスクリプションを停止する。
func (sub *pgSubscription) Stop() {
	sub.once.Do(func() {
		sub.cancel()
		sub.hub.remove(sub)
	})
}

func (sub *pgSubscription) signal() {
	select {
	case sub.dirty <- struct{}{}:
	default:
	}
}

func (sub *pgSubscription) loop() {
	defer sub.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.dirty:
			docs, err := sub.store.Query(sub.ctx, sub.query)
			if sub.ctx.Err() != nil {
				return
			}
			if err != nil {
				sub.store.logger.Error("snapshot query failed",
					slog.String("collection", sub.query.Collection),
					slog.String("error", err.Error()),
				)
				sub.fn(nil, err)
				return
			}
			sub.fn(docs, nil)
		}
	}
}

// buildSelect はQueryからSELECT文と引数を組み立てる。
// フィールド名はすべてバインド変数で渡す。
func buildSelect(q Query) (string, []any, error) {
	if q.Collection == "" {
		return "", nil, errors.New("docstore: collection is required")
	}

	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	if len(q.Filters) > 0 {
		filter := make(map[string]any, len(q.Filters))
		for _, f := range q.Filters {
			filter[f.Field] = f.Value
		}
		b, err := json.Marshal(filter)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode filters: %w", err)
		}
		args = append(args, b)
		sb.WriteString(` AND data @> $` + strconv.Itoa(len(args)) + `::jsonb`)
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		sb.WriteString(` ORDER BY data -> $` + strconv.Itoa(len(args)) + `::text`)
		if q.Direction == Desc {
			sb.WriteString(` DESC NULLS LAST`)
		} else {
			sb.WriteString(` ASC NULLS FIRST`)
		}
		sb.WriteString(`, id`)
	} else {
		sb.WriteString(` ORDER BY id`)
	}

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ` + strconv.Itoa(q.Limit))
	}
	return sb.String(), args, nil
}

func encodeMatches(preconditions []Match) ([]byte, error) {
	cond := make(map[string]any, len(preconditions))
	for _, m := range preconditions {
		cond[m.Field] = m.Value
	}
	b, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preconditions: %w", err)
	}
	return b, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeData(raw []byte) (map[string]any, error) {
	data := make(map[string]any)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
