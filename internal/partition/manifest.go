package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
)

// Manifest is the ordered list of record IDs one worker processes.
type Manifest []string

// Store is the subset of the record share the partitioner needs.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// ManifestKey returns the key for bucket idx under workPath.
func ManifestKey(workPath string, idx int) string {
	return path.Join(workPath, fmt.Sprintf("workload%d.json", idx))
}

// Encode renders a manifest as an indented JSON array.
func Encode(m Manifest) ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	return json.MarshalIndent(m, "", "    ")
}

// Decode parses a manifest.
func Decode(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Writer persists buckets as manifests.
type Writer struct {
	store    Store
	workPath string
	log      *slog.Logger
}

// NewWriter creates a manifest writer that stores under workPath.
func NewWriter(store Store, workPath string, log *slog.Logger) *Writer {
	return &Writer{
		store:    store,
		workPath: workPath,
		log:      log.With("component", "partition"),
	}
}

// Write stores one manifest per bucket and returns their keys in bucket order.
func (w *Writer) Write(ctx context.Context, buckets [][]string) ([]string, error) {
	keys := make([]string, 0, len(buckets))
	for idx, bucket := range buckets {
		data, err := Encode(bucket)
		if err != nil {
			return keys, fmt.Errorf("encode manifest %d: %w", idx, err)
		}

		key := ManifestKey(w.workPath, idx)
		if err := w.store.Write(ctx, key, data, "application/json"); err != nil {
			return keys, fmt.Errorf("write manifest %s: %w", key, err)
		}

		if m := metrics.Get(); m != nil {
			m.ObserveManifest(float64(len(bucket)))
		}
		w.log.Info("manifest written", "key", key, "records", len(bucket))
		keys = append(keys, key)
	}
	return keys, nil
}

// Read loads the manifest stored at key.
func Read(ctx context.Context, store Store, key string) (Manifest, error) {
	data, err := store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", key, err)
	}
	return Decode(data)
}
