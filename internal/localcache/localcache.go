// Package localcache はワークスペースごとの小さな値を保存するローカルキャッシュを提供する。
// ブラウザのlocalStorageに相当し、セッションのヒントや永続ログイントークンを保持する。
package localcache

import (
	"context"
	"sync"
)

// Cache は名前空間付きのキーバリューストア。
type Cache interface {
	// Load は値を取得する。存在しない場合はfalseを返す。
	Load(ctx context.Context, namespace, key string) ([]byte, bool, error)
	// Store は値を保存する。
	Store(ctx context.Context, namespace, key string, value []byte) error
	// Delete は値を削除する。存在しない場合も成功する。
	Delete(ctx context.Context, namespace, key string) error
	// Close はキャッシュを閉じる。
	Close() error
}

// MemoryCache はプロセス内のCache実装。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string][]byte
}

// NewMemoryCache は空のMemoryCacheを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string][]byte)}
}

// Load は値を取得する。
func (c *MemoryCache) Load(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Store は値を保存する。
func (c *MemoryCache) Store(ctx context.Context, namespace, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.entries[namespace]
	if !ok {
		ns = make(map[string][]byte)
		c.entries[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Delete は値を削除する。
func (c *MemoryCache) Delete(ctx context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[namespace], key)
	return nil
}

// Close は何もしない。
func (c *MemoryCache) Close() error { return nil }

// compile-time interface check
var _ Cache = (*MemoryCache)(nil)
