package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
)

const memTable = "records"

var _ Ledger = (*Memory)(nil)

// memRow is the stored form of a record. Rows are never mutated in place.
type memRow struct {
	Seq       uint64
	ID        string
	FileName  string
	Processed bool
	Record    Record
}

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		memTable: {
			Name: memTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"file_name": {
					Name:    "file_name",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "FileName"},
				},
				"processed": {
					Name:    "processed",
					Indexer: &memdb.BoolFieldIndex{Field: "Processed"},
				},
			},
		},
	},
}

// Memory implements Ledger in process. It is used by tests and by dry runs
// that must not touch a database.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memdb.MemDB
	seq    uint64
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memdb.MemDB)}
}

// EnsureTable creates the table if needed.
func (m *Memory) EnsureTable(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[table]; ok {
		return nil
	}
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	m.tables[table] = db
	return nil
}

func (m *Memory) db(table string) (*memdb.MemDB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return db, nil
}

func (m *Memory) nextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

// FindUnprocessed returns unprocessed records in insertion order.
func (m *Memory) FindUnprocessed(_ context.Context, table string) ([]Record, error) {
	db, err := m.db(table)
	if err != nil {
		return nil, err
	}

	txn := db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(memTable, "processed", false)
	if err != nil {
		return nil, fmt.Errorf("find unprocessed: %w", err)
	}

	var rows []*memRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*memRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.Record)
	}
	return records, nil
}

// FindByID returns the record with the given ID, if any.
func (m *Memory) FindByID(_ context.Context, table, id string) ([]Record, error) {
	return m.first(table, "id", id)
}

// FindByName returns the record with the given file name, if any.
func (m *Memory) FindByName(_ context.Context, table, fileName string) ([]Record, error) {
	return m.first(table, "file_name", fileName)
}

func (m *Memory) first(table, index, value string) ([]Record, error) {
	db, err := m.db(table)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}

	txn := db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(memTable, index, value)
	if err != nil {
		return nil, fmt.Errorf("find by %s: %w", index, err)
	}
	if obj == nil {
		return nil, nil
	}
	return []Record{obj.(*memRow).Record}, nil
}

// Insert adds rec unless its file name is already recorded. The check and the
// insert share one write transaction.
func (m *Memory) Insert(_ context.Context, table string, rec Record) (bool, error) {
	if err := rec.validate(); err != nil {
		return false, err
	}
	db, err := m.db(table)
	if err != nil {
		return false, err
	}

	txn := db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(memTable, "file_name", rec.FileName)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.FileName, err)
	}
	if existing != nil {
		return false, nil
	}
	if byID, _ := txn.First(memTable, "id", rec.ID); byID != nil {
		return false, fmt.Errorf("insert %s: id %s already recorded", rec.FileName, rec.ID)
	}

	row := &memRow{
		Seq:       m.nextSeq(),
		ID:        rec.ID,
		FileName:  rec.FileName,
		Processed: rec.Processed,
		Record:    rec,
	}
	if err := txn.Insert(memTable, row); err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.FileName, err)
	}
	txn.Commit()
	return true, nil
}

// Update replaces the record keyed by rec.ID. A processed record stays processed.
func (m *Memory) Update(_ context.Context, table string, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	db, err := m.db(table)
	if err != nil {
		return err
	}

	txn := db.Txn(true)
	defer txn.Abort()

	byName, err := txn.First(memTable, "file_name", rec.FileName)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	if byName != nil && byName.(*memRow).ID != rec.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateFileName, rec.FileName)
	}

	existing, err := txn.First(memTable, "id", rec.ID)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}

	var seq uint64
	if existing != nil {
		prev := existing.(*memRow)
		seq = prev.Seq
		rec.Processed = rec.Processed || prev.Processed
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = prev.Record.CreatedAt
		}
		if err := txn.Delete(memTable, prev); err != nil {
			return fmt.Errorf("update %s: %w", rec.ID, err)
		}
	} else {
		seq = m.nextSeq()
	}

	row := &memRow{
		Seq:       seq,
		ID:        rec.ID,
		FileName:  rec.FileName,
		Processed: rec.Processed,
		Record:    rec,
	}
	if err := txn.Insert(memTable, row); err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	txn.Commit()
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
