package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-share-loader/internal/batch"
	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/metadoc"
	"github.com/withObsrvr/obsrvr-share-loader/internal/share"
	"github.com/withObsrvr/obsrvr-share-loader/internal/storage"
)

type fixture struct {
	ledger  *ledger.Memory
	records *storage.Store
	source  *storage.Store
	ing     *Ingester
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, files map[string]string, paths []PathFilter) *fixture {
	t.Helper()
	ctx := context.Background()
	logs := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(logs, nil))

	source, err := storage.Open(ctx, storage.Config{Backend: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { source.Close() })
	for key, body := range files {
		require.NoError(t, source.Write(ctx, key, []byte(body), ""))
	}

	records, err := storage.Open(ctx, storage.Config{Backend: "mem"})
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	l := ledger.NewMemory()
	sched := batch.NewScheduler("scan", batch.Config{Workers: 4}, log)
	cfg := Config{
		Table:        "records",
		PartitionKey: "share",
		MetaPath:     "metadata",
		Access:       metadoc.Access{Viewer: "v", Owner: "o", LegalTag: "l"},
		Paths:        paths,
	}
	scanner := share.NewScanner(source, time.Hour, log)

	return &fixture{
		ledger:  l,
		records: records,
		source:  source,
		ing:     New(l, scanner, records, sched, cfg, log),
		logs:    logs,
	}
}

func TestRunRecordsNewFiles(t *testing.T) {
	f := newFixture(t,
		map[string]string{"logs/a.las": "aaaa", "logs/b.las": "bb", "logs/c.txt": "c"},
		[]PathFilter{{Path: "logs", Extensions: []string{"las"}}},
	)
	ctx := context.Background()

	summary, err := f.ing.Run(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Paths, 1)
	assert.Equal(t, 2, summary.Paths[0].Found)
	assert.Equal(t, 2, summary.Paths[0].Registered)
	assert.Equal(t, 0, summary.Paths[0].Duplicate)

	found, err := f.ledger.FindByName(ctx, "records", "logs/a.las")
	require.NoError(t, err)
	require.Len(t, found, 1)
	rec := found[0]
	assert.Equal(t, int64(4), rec.FileSize)
	assert.Equal(t, "share", rec.PartitionKey)
	assert.False(t, rec.Processed)
	assert.NotEmpty(t, rec.SourceLocator)

	staged, err := f.records.Read(ctx, rec.MetadataPointer)
	require.NoError(t, err)
	assert.NoError(t, metadoc.Validate(staged))
	assert.Contains(t, string(staged), `"Name": "a.las"`)
}

func TestRunTwiceLeavesOneRecordPerFile(t *testing.T) {
	f := newFixture(t,
		map[string]string{"logs/a.las": "aaaa"},
		[]PathFilter{{Path: "logs", Extensions: []string{"las"}}},
	)
	ctx := context.Background()

	_, err := f.ing.Run(ctx)
	require.NoError(t, err)
	summary, err := f.ing.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Paths[0].Registered)
	assert.Equal(t, 1, summary.Paths[0].Duplicate)
	out := f.logs.String()
	assert.Contains(t, out, `msg="file already ingested"`)
	assert.Contains(t, out, "file_name=logs/a.las")
	assert.NotContains(t, out, "orphaned_metadata", "the duplicate was caught before staging metadata")

	pending, err := f.ledger.FindUnprocessed(ctx, "records")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunSkipsMissingPaths(t *testing.T) {
	f := newFixture(t,
		map[string]string{"logs/a.las": "aaaa"},
		[]PathFilter{{Path: "seismic", Extensions: []string{"segy"}}, {Path: "logs", Extensions: []string{"las"}}},
	)

	summary, err := f.ing.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Paths, 2)
	assert.True(t, summary.Paths[0].Skipped)
	assert.Equal(t, 1, summary.Paths[1].Registered)
	assert.Equal(t, 1, summary.Registered())
}
