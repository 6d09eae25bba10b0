package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrAlreadyConsumed is returned when a manifest was already processed.
	ErrAlreadyConsumed = errors.New("manifest already consumed")

	// ErrClaimed is returned when another worker holds a live claim.
	ErrClaimed = errors.New("manifest claimed by another worker")
)

// DefaultStaleAfter is how long a consumed claim is honoured before another
// worker may take it over.
const DefaultStaleAfter = 24 * time.Hour

// State of a manifest.
const (
	StateConsumed = "consumed"
	StateDone     = "done"
)

// Checkpoint records a worker's progress through one manifest.
type Checkpoint struct {
	Manifest   string    `json:"manifest"`
	WorkerID   string    `json:"worker_id"`
	State      string    `json:"state"`
	Generation int       `json:"generation"`
	Records    int       `json:"records"`
	Confirmed  int       `json:"confirmed"`
	Failed     int       `json:"failed"`
	Dropped    int       `json:"dropped"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Claim marks manifest as consumed by worker. It fails with
	// ErrAlreadyConsumed when the manifest has been completed and with
	// ErrClaimed when another worker holds a claim younger than the
	// staleness window. At most one worker wins each claim.
	Claim(ctx context.Context, manifest, worker string) (*Checkpoint, error)

	// Load reads the checkpoint for manifest.
	Load(ctx context.Context, manifest string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files

	// StaleAfter defaults to DefaultStaleAfter.
	StaleAfter time.Duration
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	return &fileManager{
		dir:        cfg.Dir,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// fileManager persists checkpoints to local files. Ownership of a manifest is
// decided by exclusively creating one claim file per generation.
type fileManager struct {
	dir        string
	staleAfter time.Duration
	now        func() time.Time
}

// checkpointPath returns the checkpoint file for a manifest key.
func (m *fileManager) checkpointPath(manifest string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(strings.Trim(manifest, "/"))
	return filepath.Join(m.dir, "checkpoint_"+name+".json")
}

// claimPath returns the exclusive claim file for one generation.
func (m *fileManager) claimPath(manifest string, gen int) string {
	return strings.TrimSuffix(m.checkpointPath(manifest), ".json") + fmt.Sprintf(".claim-%d", gen)
}

func (m *fileManager) Claim(ctx context.Context, manifest, worker string) (*Checkpoint, error) {
	cp, err := m.Load(ctx, manifest)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
		cp = &Checkpoint{Manifest: manifest, StartedAt: m.now()}
	case err != nil:
		return nil, err
	case cp.State == StateDone:
		return cp, fmt.Errorf("%w: %s by %s at %s", ErrAlreadyConsumed, manifest, cp.WorkerID, cp.UpdatedAt.Format(time.RFC3339))
	case cp.WorkerID != worker && m.now().Sub(cp.UpdatedAt) < m.staleAfter:
		return nil, fmt.Errorf("%w: %s by %s since %s", ErrClaimed, manifest, cp.WorkerID, cp.UpdatedAt.Format(time.RFC3339))
	}

	next, err := m.acquire(manifest, cp.Generation+1, worker)
	if err != nil {
		return nil, err
	}

	cp.WorkerID = worker
	cp.State = StateConsumed
	cp.Generation = next
	if err := m.Save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// acquire creates the first free claim file from gen onward. A claim file
// whose owner never saved a checkpoint is skipped once it is stale.
func (m *fileManager) acquire(manifest string, gen int, worker string) (int, error) {
	for ; ; gen++ {
		path := m.claimPath(manifest, gen)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(worker)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				return 0, fmt.Errorf("write claim file: %w", werr)
			}
			return gen, nil
		}
		if !os.IsExist(err) {
			return 0, fmt.Errorf("create claim file: %w", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat claim file: %w", err)
		}
		if m.now().Sub(info.ModTime()) < m.staleAfter {
			return 0, fmt.Errorf("%w: %s (generation %d)", ErrClaimed, manifest, gen)
		}
	}
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, manifest string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(manifest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Manifest)
	cp.UpdatedAt = m.now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically; concurrent writers each get their own temp file.
	tmp, err := os.CreateTemp(m.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tempPath := tmp.Name()
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write checkpoint temp file: %w", werr)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Claim(ctx context.Context, manifest, worker string) (*Checkpoint, error) {
	return &Checkpoint{Manifest: manifest, WorkerID: worker, State: StateConsumed, StartedAt: time.Now().UTC()}, nil
}

func (m *noopManager) Load(ctx context.Context, manifest string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
