package repo

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreWriteReadExistsRemove(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	w, err := store.NewWrite("pg_data/base/1/3", WriteOptions{CreatePath: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("relation bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ok, err := store.Exists("pg_data/base/1/3")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := store.NewRead("pg_data/base/1/3")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "relation bytes", string(data))

	require.NoError(t, store.Remove("pg_data/base/1/3", RemoveOptions{ErrorIfMissing: true}))

	ok, err = store.Exists("pg_data/base/1/3")
	require.NoError(t, err)
	require.False(t, ok)

	err = store.Remove("pg_data/base/1/3", RemoveOptions{ErrorIfMissing: true})
	require.Error(t, err)
}

func TestLocalStoreListRecursive(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	require.NoError(t, store.PathCreate("pg_data/base/1", nil))

	w, err := store.NewWrite("pg_data/base/1/3", WriteOptions{CreatePath: true})
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Close())

	infos, err := store.List("pg_data", ListOptions{Recurse: true, Sort: true})
	require.NoError(t, err)

	var names []string
	for _, i := range infos {
		names = append(names, i.Name)
	}
	require.Contains(t, names, "base/1/3")
}

func TestLocalStoreLinkCreateAndHardLink(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	w, err := store.NewWrite("pg_data/base/1/3", WriteOptions{CreatePath: true})
	require.NoError(t, err)
	_, _ = w.Write([]byte("data"))
	require.NoError(t, w.Close())

	require.NoError(t, store.LinkCreate("1", "pg_tblspc/16384"))

	infos, err := store.List("pg_tblspc", ListOptions{})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, TypeLink, infos[0].Type)
	require.Equal(t, "1", infos[0].LinkDestination)

	require.True(t, store.TryHardLink("pg_data/base/1/3", "pg_data/base/1/3.hardlink"))
	ok, err := store.Exists("pg_data/base/1/3.hardlink")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalStoreFeatures(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	f := store.Features()
	require.True(t, f[FeatureHardLink])
	require.True(t, f[FeatureSymLink])
	require.True(t, f[FeaturePath])
}
