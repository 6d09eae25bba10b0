package share

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-share-loader/internal/storage"
)

func newSourceStore(t *testing.T, files map[string]string) *storage.Store {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Backend: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for key, body := range files {
		require.NoError(t, store.Write(ctx, key, []byte(body), ""))
	}
	return store
}

func TestScanFiltersByExtension(t *testing.T) {
	store := newSourceStore(t, map[string]string{
		"logs/a.LAS":          "1",
		"logs/b.las":          "22",
		"logs/c.txt":          "333",
		"logs/nested/d.las":   "4444",
		"other/e.las":         "55555",
		"logs/archive.tar.gz": "x",
	})
	s := NewScanner(store, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	files, err := s.Scan(context.Background(), "/logs/", []string{"las", ".GZ"})
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		assert.Equal(t, "logs", f.Dir)
		assert.NotEmpty(t, f.Locator)
	}
	assert.Equal(t, []string{"logs/a.LAS", "logs/archive.tar.gz", "logs/b.las"}, names)
	assert.Equal(t, int64(2), files[2].Size)
}

func TestScanMissingPath(t *testing.T) {
	store := newSourceStore(t, map[string]string{"logs/a.las": "1"})
	s := NewScanner(store, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := s.Scan(context.Background(), "seismic", []string{"segy"})
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "las", Extension("dir/file.LAS"))
	assert.Equal(t, "gz", Extension("dir/file.tar.gz"))
	assert.Equal(t, "readme", Extension("dir/README"))
}
