package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newMemStore[V any](t *testing.T, path string) (*Store[V], afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := New[V](Config{Path: path, Fs: fs})
	require.NoError(t, err)
	return store, fs
}

func TestNewInitializesMissingFile(t *testing.T) {
	t.Parallel()

	_, fs := newMemStore[string](t, "/data/filters.json")

	raw, err := afero.ReadFile(fs, "/data/filters.json")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(raw))
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New[string](Config{Fs: afero.NewMemMapFs()})
	require.Error(t, err)
}

func TestUpsertReadDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newMemStore[string](t, "/filters.json")

	require.NoError(t, store.Upsert(ctx, "Kyiv", "http://x"))
	data, err := store.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"Kyiv": "http://x"}, data)

	require.NoError(t, store.Upsert(ctx, "Kyiv", "http://y"))
	got, ok, err := store.Get(ctx, "Kyiv")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "http://y", got)

	existed, err := store.Delete(ctx, "Kyiv")
	require.NoError(t, err)
	require.True(t, existed)

	data, err = store.Read(ctx)
	require.NoError(t, err)
	require.NotContains(t, data, "Kyiv")

	existed, err = store.Delete(ctx, "Kyiv")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestListKeysSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newMemStore[string](t, "/filters.json")
	for _, k := range []string{"b", "c", "a"} {
		require.NoError(t, store.Upsert(ctx, k, "u"))
	}

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestUpdateSeesCurrentValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newMemStore[[]string](t, "/seen.json")

	appendID := func(id string) func([]string, bool) []string {
		return func(cur []string, _ bool) []string { return append(cur, id) }
	}
	require.NoError(t, store.Update(ctx, "f", appendID("1")))
	require.NoError(t, store.Update(ctx, "f", appendID("2")))

	got, _, err := store.Get(ctx, "f")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, got)
}

func TestCorruptDocumentIsReportedAndPreserved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/filters.json", []byte("{not json"), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	store, err := New[string](Config{Path: "/filters.json", Fs: fs, Logger: zap.New(core)})
	require.NoError(t, err)

	data, err := store.Read(ctx)
	require.ErrorIs(t, err, ErrCorrupt)
	require.Empty(t, data)
	require.Equal(t, 1, logs.Len())

	err = store.Upsert(ctx, "Kyiv", "http://x")
	require.ErrorIs(t, err, ErrCorrupt)

	raw, err := afero.ReadFile(fs, "/filters.json")
	require.NoError(t, err)
	require.Equal(t, "{not json", string(raw), "corrupt document must not be overwritten")
}

func TestNonObjectDocumentsAreCorrupt(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{`[]`, `null`, `"text"`, `[1, 2]`} {
		t.Run(doc, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/f.json", []byte(doc), 0o600))
			store, err := New[string](Config{Path: "/f.json", Fs: fs})
			require.NoError(t, err)

			data, err := store.Read(context.Background())
			require.ErrorIs(t, err, ErrCorrupt)
			require.Empty(t, data)
		})
	}
}

func TestMissingFileAfterInitIsRecreated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, fs := newMemStore[string](t, "/filters.json")
	require.NoError(t, fs.Remove("/filters.json"))

	data, err := store.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, data)

	exists, err := afero.Exists(fs, "/filters.json")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, fs := newMemStore[string](t, "/state/filters.json")
	require.NoError(t, store.Upsert(ctx, "a", "http://a?x=1&y=2"))

	entries, err := afero.ReadDir(fs, "/state")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "filters.json", entries[0].Name())

	raw, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, string(raw), "http://a?x=1&y=2", "URLs stay human-editable")
}

func TestConcurrentUpsertsAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newMemStore[int](t, "/counts.json")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Upsert(ctx, fmt.Sprintf("k%02d", i), i))
		}(i)
	}
	wg.Wait()

	data, err := store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, data, 50)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	store, _ := newMemStore[string](t, "/f.json")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Upsert(ctx, "a", "b")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestScalarValuesAreCoercedToStrings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/seen.json", []byte(`{"Kyiv": ["123", 456, true], "Lviv": ["7"]}`), 0o600))
	seenStore, err := New[[]string](Config{Path: "/seen.json", Fs: fs})
	require.NoError(t, err)

	data, err := seenStore.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"123", "456", "true"}, data["Kyiv"])
	assert.Equal(t, []string{"7"}, data["Lviv"])

	require.NoError(t, afero.WriteFile(fs, "/filters.json", []byte(`{"Kyiv": 42, "Lviv": "http://x"}`), 0o600))
	filterStore, err := New[string](Config{Path: "/filters.json", Fs: fs})
	require.NoError(t, err)

	url, ok, err := filterStore.Get(ctx, "Kyiv")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", url)
}

func TestUndecodableKeyIsSkippedAndPreserved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/filters.json", []byte(`{"Kyiv": {"url": "http://a"}, "Lviv": "http://b"}`), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	store, err := New[string](Config{Path: "/filters.json", Fs: fs, Logger: zap.New(core)})
	require.NoError(t, err)

	data, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Lviv": "http://b"}, data)
	assert.Equal(t, 1, logs.FilterField(zap.String("key", "Kyiv")).Len())

	require.NoError(t, store.Upsert(ctx, "Odesa", "http://c"))

	raw, err := afero.ReadFile(fs, "/filters.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Kyiv": {"url": "http://a"}, "Lviv": "http://b", "Odesa": "http://c"}`, string(raw))

	removed, err := store.Delete(ctx, "Kyiv")
	require.NoError(t, err)
	assert.True(t, removed)

	raw, err = afero.ReadFile(fs, "/filters.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Lviv": "http://b", "Odesa": "http://c"}`, string(raw))
}

func TestUpsertReplacesUndecodableKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/filters.json", []byte(`{"Kyiv": [1]}`), 0o600))
	store, err := New[string](Config{Path: "/filters.json", Fs: fs})
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, "Kyiv", "http://a"))

	data, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Kyiv": "http://a"}, data)
}
