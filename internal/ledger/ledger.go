// Package ledger keeps the durable record of every ingested file and its
// upload status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTableNotFound is returned when a table has not been created.
	ErrTableNotFound = errors.New("ledger table not found")

	// ErrInvalidRecord is returned for records without an ID or file name.
	ErrInvalidRecord = errors.New("invalid ledger record")

	// ErrDuplicateFileName is returned when an update would give a second
	// record an existing file name.
	ErrDuplicateFileName = errors.New("file name already recorded under another id")
)

// Record is one ingested file.
type Record struct {
	ID              string    `json:"id"`
	PartitionKey    string    `json:"partition_key"`
	FileName        string    `json:"file_name"`
	FileSize        int64     `json:"file_size"`
	SourceLocator   string    `json:"source_locator"`
	MetadataPointer string    `json:"metadata_pointer"`
	Processed       bool      `json:"processed"`
	ProcessedTime   time.Time `json:"processed_time"`
	ContainerID     string    `json:"container_id"`
	MetaID          string    `json:"meta_id"`
	FileVersion     string    `json:"file_version"`
	StatusCode      int       `json:"status_code"`
	Cause           string    `json:"cause"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewRecord returns an unprocessed record with a fresh ID.
func NewRecord(partitionKey, fileName string) Record {
	return Record{
		ID:           uuid.New().String(),
		PartitionKey: partitionKey,
		FileName:     fileName,
		CreatedAt:    time.Now().UTC(),
	}
}

func (r Record) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.FileName == "" {
		return fmt.Errorf("%w: record %s has no file name", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Ledger stores records in named tables.
//
// Queries are equality filters only. Update is a full replace keyed by ID, so
// callers read, modify and write back the complete record; Processed is never
// cleared once set.
type Ledger interface {
	// EnsureTable creates the table if it does not exist.
	EnsureTable(ctx context.Context, table string) error

	// FindUnprocessed returns every record with Processed == false in scan order.
	FindUnprocessed(ctx context.Context, table string) ([]Record, error)

	// FindByID returns the records with the given ID (zero or one).
	FindByID(ctx context.Context, table, id string) ([]Record, error)

	// FindByName returns the records with the given file name (zero or one).
	FindByName(ctx context.Context, table, fileName string) ([]Record, error)

	// Insert adds rec. It reports false without an error when a record with
	// the same file name already exists.
	Insert(ctx context.Context, table string, rec Record) (bool, error)

	// Update replaces the record addressed by rec.ID, creating it if absent.
	Update(ctx context.Context, table string, rec Record) error

	// Close releases any resources.
	Close() error
}
