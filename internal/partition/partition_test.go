package partition

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-share-loader/internal/storage"
)

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%05d", i)
	}
	return ids
}

func TestEffectiveBuckets(t *testing.T) {
	cases := []struct {
		n, requested, min, want int
	}{
		{0, 10, 1000, 0},
		{2500, 10, 1000, 2},
		{3, 5, 1, 3},
		{999, 4, 1000, 1},
		{10000, 4, 1000, 4},
		{10, 0, 0, 1},
		{5, 8, 1, 5},
	}
	for _, c := range cases {
		got := EffectiveBuckets(c.n, c.requested, c.min)
		assert.Equal(t, c.want, got, "n=%d requested=%d min=%d", c.n, c.requested, c.min)
	}
}

func TestBucketsMinimumPerBucket(t *testing.T) {
	buckets := Buckets(makeIDs(2500), 10, 1000)
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[0], 1250)
	assert.Len(t, buckets[1], 1250)
}

func TestBucketsNeverMoreThanRecords(t *testing.T) {
	buckets := Buckets(makeIDs(3), 5, 1)
	require.Len(t, buckets, 3)
	for _, b := range buckets {
		assert.Len(t, b, 1)
	}
}

func TestBucketsRoundRobinProperties(t *testing.T) {
	for _, n := range []int{1, 7, 100, 1001, 4999} {
		for _, requested := range []int{1, 2, 3, 8} {
			ids := makeIDs(n)
			buckets := Buckets(ids, requested, 1)

			seen := make(map[string]bool, n)
			minLen, maxLen := n, 0
			for bi, b := range buckets {
				require.NotEmpty(t, b)
				if len(b) < minLen {
					minLen = len(b)
				}
				if len(b) > maxLen {
					maxLen = len(b)
				}
				for j, id := range b {
					assert.Equal(t, ids[bi+j*len(buckets)], id, "round-robin placement")
					assert.False(t, seen[id], "duplicate id %s", id)
					seen[id] = true
				}
			}
			assert.Len(t, seen, n, "every id assigned")
			assert.LessOrEqual(t, maxLen-minLen, 1, "sizes differ by at most one")
		}
	}
}

func TestBucketsEmpty(t *testing.T) {
	assert.Empty(t, Buckets(nil, 4, 1000))
}

func TestWriterPersistsManifests(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Backend: "mem"})
	require.NoError(t, err)
	defer store.Close()

	w := NewWriter(store, "work", slog.New(slog.NewTextHandler(io.Discard, nil)))
	keys, err := w.Write(ctx, [][]string{{"a", "c"}, {"b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"work/workload0.json", "work/workload1.json"}, keys)

	raw, err := store.Read(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "[\n    \"a\",\n    \"c\"\n]", string(raw))

	m, err := Read(ctx, store, keys[1])
	require.NoError(t, err)
	assert.Equal(t, Manifest{"b"}, m)
}

func TestReadMissingManifest(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Backend: "mem"})
	require.NoError(t, err)
	defer store.Close()

	_, err = Read(ctx, store, "work/workload9.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"not":"a list"}`))
	assert.Error(t, err)
}
