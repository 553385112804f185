package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/storage"
	"github.com/hanpama/polystore/internal/storage/storagetest"
)

func TestConnector(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Connector {
		s, err := Open(filepath.Join(t.TempDir(), "points.db"))
		require.NoError(t, err)
		return s
	})
}

func TestFactory(t *testing.T) {
	_, err := Factory(&meta.StorageEngine{ID: "e"})
	require.Error(t, err)

	c, err := Factory(&meta.StorageEngine{ID: "e", Params: map[string]string{"path": filepath.Join(t.TempDir(), "x.db")}})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestClip(t *testing.T) {
	area := meta.KeyInterval{Start: 10, End: 20}
	got := clip(area, []meta.KeyInterval{{Start: 15, End: 30}, {Start: 0, End: 5}, {Start: 0, End: 12}})
	require.Equal(t, []meta.KeyInterval{{Start: 10, End: 12}, {Start: 15, End: 20}}, got)
	require.Equal(t, []meta.KeyInterval{area}, clip(area, nil))
}
