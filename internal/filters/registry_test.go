package filters

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adwatch/internal/kvstore"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := kvstore.New[string](kvstore.Config{Path: "/filters.json", Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	return New(store)
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)

	require.NoError(t, reg.Upsert(ctx, "Kyiv", "http://x"))
	require.NoError(t, reg.Upsert(ctx, "Lviv", "https://y/list?a=1"))

	u, ok, err := reg.Get(ctx, "Kyiv")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "http://x", u)

	names, err := reg.ListNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Kyiv", "Lviv"}, names)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []Filter{{Name: "Kyiv", URL: "http://x"}, {Name: "Lviv", URL: "https://y/list?a=1"}}, list)

	existed, err := reg.Delete(ctx, "Kyiv")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = reg.Delete(ctx, "Kyiv")
	require.NoError(t, err)
	require.False(t, existed)

	_, ok, err = reg.Get(ctx, "Kyiv")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)
	require.NoError(t, reg.Upsert(ctx, "Kyiv", "http://x"))
	require.NoError(t, reg.Upsert(ctx, " Kyiv ", " http://z "))

	data, err := reg.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"Kyiv": "http://z"}, data)
}

func TestUpsertRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newRegistry(t)

	cases := map[string][2]string{
		"blank name":     {"  ", "http://x"},
		"relative url":   {"a", "/list"},
		"ftp scheme":     {"a", "ftp://host/x"},
		"missing host":   {"a", "https://"},
		"unparsable url": {"a", "http://[::1"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := reg.Upsert(ctx, tc[0], tc[1])
			require.ErrorIs(t, err, ErrInvalidFilter)
		})
	}

	data, err := reg.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, data)
}
