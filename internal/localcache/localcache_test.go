package localcache

import (
	"context"
	"path/filepath"
	"testing"
)

func openCaches(t *testing.T) map[string]Cache {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "cache", "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Cache{
		"memory": NewMemoryCache(),
		"sqlite": sqlite,
	}
}

func TestCache_StoreLoadDelete(t *testing.T) {
	for name, c := range openCaches(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, err := c.Load(ctx, "ws1", "session"); err != nil || ok {
				t.Fatalf("Load on empty cache = %v, %v; want miss", ok, err)
			}

			if err := c.Store(ctx, "ws1", "session", []byte(`{"uid":"u1"}`)); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
			if err := c.Store(ctx, "ws1", "session", []byte(`{"uid":"u2"}`)); err != nil {
				t.Fatalf("overwrite Store failed: %v", err)
			}

			got, ok, err := c.Load(ctx, "ws1", "session")
			if err != nil || !ok {
				t.Fatalf("Load = %v, %v", ok, err)
			}
			if string(got) != `{"uid":"u2"}` {
				t.Errorf("Load = %s, want overwritten value", got)
			}

			// 名前空間は独立している
			if _, ok, _ := c.Load(ctx, "ws2", "session"); ok {
				t.Error("value leaked across namespaces")
			}

			if err := c.Delete(ctx, "ws1", "session"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, ok, _ := c.Load(ctx, "ws1", "session"); ok {
				t.Error("value should be deleted")
			}
			if err := c.Delete(ctx, "ws1", "session"); err != nil {
				t.Errorf("Delete of missing key failed: %v", err)
			}
		})
	}
}

// プロセス再起動後も値が残ることを検証する
func TestSQLiteCache_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	c, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := c.Store(ctx, "ws", "token", []byte("abc")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	c.Close()

	c, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()

	got, ok, err := c.Load(ctx, "ws", "token")
	if err != nil || !ok || string(got) != "abc" {
		t.Errorf("Load after reopen = %q, %v, %v", got, ok, err)
	}
}
