// Package docstore はスキーマレスなドキュメントストアへのアクセスを抽象化する。
//
// コレクション単位の等値フィルタ付きクエリ、ドキュメントの取得・作成・マージ更新・削除、
// ライブサブスクリプション（スナップショット購読）、サーバー時刻センチネルを提供する。
// PostgreSQL(JSONB + LISTEN/NOTIFY)、Firestore、インメモリの3実装がある。
package docstore

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ErrNotFound は書き込み時点で対象ドキュメントが存在しない、
// または前提条件を満たさない場合に返される。
var ErrNotFound = errors.New("docstore: document not found")

// Document はコレクション内の1ドキュメント。
type Document struct {
	ID   string
	Data map[string]any
}

// Filter はフィールドの等値条件。
type Filter struct {
	Field string
	Value any
}

// Direction はソート方向。
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Query はコレクションに対するクエリ。
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
	Limit      int // 0は無制限
}

// Where は等値フィルタを追加したクエリを返す。
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// Match は更新・削除の前提条件。ストア側で書き込みと同時に評価される。
type Match struct {
	Field string
	Value any
}

type serverTimestamp struct{}

// ServerTimestamp は書き込み時にストアのサーバー時刻へ置き換えられるセンチネル値。
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp はvがServerTimestampセンチネルかどうかを返す。
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// SnapshotFunc はスナップショットの受信コールバック。
// docsはクエリ結果の全件で、直前のスナップショットを置き換える。
// errが非nilの場合、そのサブスクリプションにはそれ以上コールバックされない。
type SnapshotFunc func(docs []Document, err error)

// Subscription はライブサブスクリプションのハンドル。
type Subscription interface {
	// Stop はそれ以降のコールバックを停止する。複数回呼んでもよい。
	Stop()
}

// Store はドキュメントストアの操作インターフェース。
type Store interface {
	// Query はクエリに一致するドキュメントを返す。
	Query(ctx context.Context, q Query) ([]Document, error)
	// Get は指定IDのドキュメントを取得する。存在しない場合はnilを返す。
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set はドキュメントを書き込む。mergeがtrueの場合は指定フィールドのみ上書きする。
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// Update は指定フィールドのみをマージ更新する。
	// ドキュメントが存在しない、または前提条件を満たさない場合はErrNotFoundを返す。
	Update(ctx context.Context, collection, id string, patch map[string]any, preconditions ...Match) error
	// Delete はドキュメントを削除する。
	// ドキュメントが存在しない、または前提条件を満たさない場合はErrNotFoundを返す。
	Delete(ctx context.Context, collection, id string, preconditions ...Match) error
	// Add は新しいIDでドキュメントを作成し、そのIDを返す。
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// OnSnapshot はクエリのライブサブスクリプションを開始する。
	// 現在の結果が最初のスナップショットとして配信され、以降は変更のたびに全件が配信される。
	// 1つのサブスクリプションへのコールバックは直列に呼ばれる。
	OnSnapshot(ctx context.Context, q Query, fn SnapshotFunc) (Subscription, error)
}

// matchesFilters はデータがすべての等値条件を満たすかを判定する。
func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !valuesEqual(data[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// matchesPreconditions はデータがすべての前提条件を満たすかを判定する。
func matchesPreconditions(data map[string]any, preconditions []Match) bool {
	for _, m := range preconditions {
		if !valuesEqual(data[m.Field], m.Value) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// resolveTimestamps はServerTimestampセンチネルをnowに置き換えたコピーを返す。
func resolveTimestamps(data map[string]any, now time.Time) map[string]any {
	out := cloneData(data)
	for k, v := range out {
		if IsServerTimestamp(v) {
			out[k] = now
		}
	}
	return out
}

// splitTimestamps はセンチネル値のフィールド名と、それ以外のフィールドに分割する。
func splitTimestamps(data map[string]any) (rest map[string]any, tsFields []string) {
	rest = make(map[string]any, len(data))
	for k, v := range data {
		if IsServerTimestamp(v) {
			tsFields = append(tsFields, k)
			continue
		}
		rest[k] = v
	}
	sort.Strings(tsFields)
	return rest, tsFields
}

// cloneData はトップレベルのマップとスライス値をコピーする。
func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch x := v.(type) {
		case []string:
			out[k] = append([]string(nil), x...)
		case []any:
			out[k] = append([]any(nil), x...)
		default:
			out[k] = v
		}
	}
	return out
}

// sortDocuments はフィールド値でドキュメントを安定ソートする。
// 値を持たないドキュメントは昇順で先頭、降順で末尾になる。
func sortDocuments(docs []Document, field string, dir Direction) {
	if field == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i].Data[field], docs[j].Data[field])
		if dir == Desc {
			return c > 0
		}
		return c < 0
	})
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case int:
		if y, ok := b.(int); ok {
			return x - y
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return 0
}
