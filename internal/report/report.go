// Package report exports the per-record results of a workflow run.
package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-share-loader/internal/pipeline"
	"github.com/withObsrvr/obsrvr-share-loader/internal/request"
)

// Row is one record's result in the parquet report.
type Row struct {
	RecordID    string `parquet:"record_id"`
	FileName    string `parquet:"file_name"`
	Outcome     string `parquet:"outcome"` // confirmed | failed
	Stage       string `parquet:"stage"`   // last stage reached
	FailedStage string `parquet:"failed_stage,optional"`
	StatusCode  int32  `parquet:"status_code"`
	Cause       string `parquet:"cause,optional"`
	MetaID      string `parquet:"meta_id,optional"`
	FileVersion string `parquet:"file_version,optional"`
	Requests    int32  `parquet:"requests"`
	Attempts    int32  `parquet:"attempts"`
	DurationMS  int64  `parquet:"duration_ms"`

	WorkerID   string    `parquet:"worker_id"`
	Manifest   string    `parquet:"manifest"`
	ReportedAt time.Time `parquet:"reported_at,timestamp(millisecond)"`
}

// History is one line of the outcome archive.
type History struct {
	RecordID string         `json:"record_id"`
	FileName string         `json:"file_name"`
	Outcomes []OutcomeEntry `json:"outcomes"`
}

// OutcomeEntry is the archived form of a request.Outcome.
type OutcomeEntry struct {
	Action           string   `json:"action"`
	Target           string   `json:"target"`
	CorrelationID    string   `json:"correlation_id"`
	Attempts         int      `json:"attempts"`
	FinalStatus      int      `json:"final_status"`
	StatusHistory    []int    `json:"status_history"`
	ConnectionErrors []string `json:"connection_errors,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Writer stores report artifacts.
type Writer interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// Config configures report output.
type Config struct {
	Dir         string // key prefix on the record share
	Compression string // "snappy" | "zstd" | "none"
}

// Artifacts names the files written by one export.
type Artifacts struct {
	ParquetKey string
	ArchiveKey string
	Checksums  map[string]string
}

// Exporter writes run reports to the record share.
type Exporter struct {
	store  Writer
	cfg    Config
	worker string
	now    func() time.Time
	log    *slog.Logger
}

// NewExporter creates an exporter for the given worker.
func NewExporter(store Writer, cfg Config, worker string, log *slog.Logger) *Exporter {
	if cfg.Dir == "" {
		cfg.Dir = "reports"
	}
	return &Exporter{
		store:  store,
		cfg:    cfg,
		worker: worker,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With("component", "report"),
	}
}

// Export writes the parquet rows and the outcome archive for results.
func (e *Exporter) Export(ctx context.Context, manifest string, results []pipeline.Result) (Artifacts, error) {
	now := e.now()
	base := path.Join(e.cfg.Dir, fmt.Sprintf("%s-%s", e.worker, now.Format("20060102T150405Z")))
	art := Artifacts{
		ParquetKey: base + ".parquet",
		ArchiveKey: base + ".outcomes.jsonl.zst",
		Checksums:  make(map[string]string, 2),
	}

	rows := make([]Row, 0, len(results))
	for _, r := range results {
		rows = append(rows, NewRow(r, e.worker, manifest, now))
	}
	pq, err := EncodeRows(rows, e.cfg.Compression)
	if err != nil {
		return art, err
	}
	if err := e.store.Write(ctx, art.ParquetKey, pq, "application/vnd.apache.parquet"); err != nil {
		return art, fmt.Errorf("write report %s: %w", art.ParquetKey, err)
	}
	art.Checksums[art.ParquetKey] = ComputeChecksum(pq)

	archive, err := EncodeHistories(results)
	if err != nil {
		return art, err
	}
	if err := e.store.Write(ctx, art.ArchiveKey, archive, "application/zstd"); err != nil {
		return art, fmt.Errorf("write outcome archive %s: %w", art.ArchiveKey, err)
	}
	art.Checksums[art.ArchiveKey] = ComputeChecksum(archive)

	e.log.Info("report written",
		"parquet", art.ParquetKey,
		"archive", art.ArchiveKey,
		"rows", len(rows),
	)
	return art, nil
}

// NewRow flattens a pipeline result.
func NewRow(r pipeline.Result, worker, manifest string, at time.Time) Row {
	row := Row{
		RecordID:    r.RecordID,
		FileName:    r.FileName,
		Outcome:     "confirmed",
		Stage:       r.Reached.String(),
		StatusCode:  int32(r.StatusCode),
		MetaID:      r.MetaID,
		FileVersion: r.FileVersion,
		Requests:    int32(len(r.Outcomes)),
		DurationMS:  r.Duration.Milliseconds(),
		WorkerID:    worker,
		Manifest:    manifest,
		ReportedAt:  at,
	}
	for _, o := range r.Outcomes {
		row.Attempts += int32(o.Attempts)
	}
	if !r.Confirmed() {
		row.Outcome = "failed"
		row.FailedStage = r.FailedStage().String()
		if r.Cause != nil {
			row.Cause = r.Cause.Error()
		}
	}
	return row
}

// EncodeRows serializes rows as a parquet file.
func EncodeRows(rows []Row, compression string) ([]byte, error) {
	var opts []parquet.WriterOption
	switch strings.ToLower(compression) {
	case "", "snappy":
		opts = append(opts, parquet.Compression(&parquet.Snappy))
	case "zstd":
		opts = append(opts, parquet.Compression(&parquet.Zstd))
	case "none":
		opts = append(opts, parquet.Compression(&parquet.Uncompressed))
	default:
		return nil, fmt.Errorf("unknown parquet compression %q", compression)
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, opts...); err != nil {
		return nil, fmt.Errorf("encode parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows reads a parquet file written by EncodeRows.
func DecodeRows(data []byte) ([]Row, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode parquet: %w", err)
	}
	return rows, nil
}

// EncodeHistories writes one JSON line per result, zstd compressed.
func EncodeHistories(results []pipeline.Result) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	jw := json.NewEncoder(enc)
	for _, r := range results {
		h := History{RecordID: r.RecordID, FileName: r.FileName, Outcomes: make([]OutcomeEntry, 0, len(r.Outcomes))}
		for _, o := range r.Outcomes {
			h.Outcomes = append(h.Outcomes, entryFor(o))
		}
		if err := jw.Encode(h); err != nil {
			enc.Close()
			return nil, fmt.Errorf("encode history %s: %w", r.RecordID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close zstd encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHistories reads an archive written by EncodeHistories.
func DecodeHistories(data []byte) ([]History, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	var out []History
	jd := json.NewDecoder(bytes.NewReader(raw))
	for jd.More() {
		var h History
		if err := jd.Decode(&h); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func entryFor(o request.Outcome) OutcomeEntry {
	e := OutcomeEntry{
		Action:           o.Action,
		Target:           o.Target,
		CorrelationID:    o.CorrelationID,
		Attempts:         o.Attempts,
		FinalStatus:      o.FinalStatus,
		StatusHistory:    o.StatusHistory,
		ConnectionErrors: o.ConnectionErrors,
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}
