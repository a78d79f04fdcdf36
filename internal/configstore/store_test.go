package configstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/sessionrelay/internal/transport"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test")
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"file":  NewFileStore(filepath.Join(t.TempDir(), "sessions.config.json")),
		"redis": newRedisStore(t),
	}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.SessionID)
	}
	return out
}

func TestStoreAddIfAbsent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := store.AddIfAbsent(ctx, Entry{SessionID: "a", Description: "first"})
			require.NoError(t, err)
			assert.True(t, added)

			added, err = store.AddIfAbsent(ctx, Entry{SessionID: "a", Description: "second"})
			require.NoError(t, err)
			assert.False(t, added)

			entries, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "first", entries[0].Description)
		})
	}
}

func TestStoreListKeepsInsertionOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"c", "a", "b"} {
				_, err := store.AddIfAbsent(ctx, Entry{SessionID: id})
				require.NoError(t, err)
			}

			entries, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a", "b"}, ids(entries))
		})
	}
}

func TestStoreRemove(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.AddIfAbsent(ctx, Entry{SessionID: "a"})
			require.NoError(t, err)
			_, err = store.AddIfAbsent(ctx, Entry{SessionID: "b"})
			require.NoError(t, err)

			require.NoError(t, store.Remove(ctx, "a"))
			require.NoError(t, store.Remove(ctx, "missing"))

			entries, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(entries))
		})
	}
}

func TestStoreRejectsInvalidID(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"  ", "..", "a/b", `a\b`} {
				_, err := store.AddIfAbsent(context.Background(), Entry{SessionID: id})
				assert.ErrorIs(t, err, transport.ErrInvalidSessionID, "id %q", id)
			}
			entries, err := store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

// Removing two different ids at the same time must leave neither behind.
func TestStoreConcurrentRemovals(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "keep"} {
				_, err := store.AddIfAbsent(ctx, Entry{SessionID: id})
				require.NoError(t, err)
			}

			var wg sync.WaitGroup
			for _, id := range []string{"a", "b"} {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					assert.NoError(t, store.Remove(ctx, id))
				}(id)
			}
			wg.Wait()

			entries, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"keep"}, ids(entries))
		})
	}
}

func TestStoreConcurrentAdds(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.AddIfAbsent(ctx, Entry{SessionID: fmt.Sprintf("s%d", i)})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			entries, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 20)
		})
	}
}

func TestFileStoreMissingAndMalformedFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	entries, err := NewFileStore(filepath.Join(dir, "absent.json")).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = NewFileStore(bad).List(ctx)
	assert.Error(t, err)
}

func TestFileStoreWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.config.json")
	store := NewFileStore(path)

	_, err := store.AddIfAbsent(context.Background(), Entry{SessionID: "s1", Description: "front desk"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"sessionId":"s1","description":"front desk"}]`, string(data))
}

func TestWatcherReportsExternalAdditions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.config.json")
	store := NewFileStore(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.AddIfAbsent(ctx, Entry{SessionID: "existing"})
	require.NoError(t, err)

	var mu sync.Mutex
	var added []string
	w, err := NewWatcher(ctx, store, func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, e.SessionID)
	})
	require.NoError(t, err)
	go w.Run(ctx)

	// simulate an operator editing the file by hand
	require.NoError(t, os.WriteFile(path, []byte(`[{"sessionId":"existing"},{"sessionId":"manual"}]`), 0644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(added) == 1 && added[0] == "manual"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherReportsReaddedSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.config.json")
	store := NewFileStore(path)
	ctx := context.Background()

	var added []string
	w, err := NewWatcher(ctx, store, func(e Entry) { added = append(added, e.SessionID) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.watcher.Close() })

	require.NoError(t, os.WriteFile(path, []byte(`[{"sessionId":"a"}]`), 0644))
	w.rescan(ctx)
	w.rescan(ctx)
	assert.Equal(t, []string{"a"}, added, "unchanged file reports nothing new")

	// unlink drops the entry, then the operator links the same id again
	require.NoError(t, store.Remove(ctx, "a"))
	w.rescan(ctx)
	require.NoError(t, os.WriteFile(path, []byte(`[{"sessionId":"a"}]`), 0644))
	w.rescan(ctx)

	assert.Equal(t, []string{"a", "a"}, added)
}
