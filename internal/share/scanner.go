// Package share discovers candidate files on the source share.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-share-loader/internal/storage"
)

// ErrPathNotFound is returned when a scanned directory holds no objects.
var ErrPathNotFound = errors.New("path not found on share")

// DefaultLocatorExpiry is how long signed source locators stay valid.
const DefaultLocatorExpiry = 24 * time.Hour

// Source is the read side of the source share.
type Source interface {
	List(ctx context.Context, dir string) ([]storage.Object, error)
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// File is one candidate file.
type File struct {
	// Name is "<dir>/<base name>", the ledger's dedup key.
	Name    string
	Dir     string
	Size    int64
	Locator string
}

// Scanner lists candidate files.
type Scanner struct {
	src    Source
	expiry time.Duration
	log    *slog.Logger
}

// NewScanner creates a scanner over src.
func NewScanner(src Source, expiry time.Duration, log *slog.Logger) *Scanner {
	if expiry <= 0 {
		expiry = DefaultLocatorExpiry
	}
	return &Scanner{
		src:    src,
		expiry: expiry,
		log:    log.With("component", "share"),
	}
}

// Scan returns the files directly inside dir whose extension is in exts,
// sorted by name. Extension matching ignores case.
func (s *Scanner) Scan(ctx context.Context, dir string, exts []string) ([]File, error) {
	dir = strings.Trim(strings.ReplaceAll(dir, "\\", "/"), "/")

	objects, err := s.src.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, dir)
	}

	want := make(map[string]bool, len(exts))
	for _, ext := range exts {
		want[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	var files []File
	for _, obj := range objects {
		if path.Dir(obj.Key) != dir && !(dir == "" && path.Dir(obj.Key) == ".") {
			continue
		}
		if !want[Extension(obj.Key)] {
			continue
		}

		locator, err := s.src.SignedURL(ctx, obj.Key, s.expiry)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", obj.Key, err)
		}
		files = append(files, File{
			Name:    obj.Key,
			Dir:     dir,
			Size:    obj.Size,
			Locator: locator,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	s.log.Debug("scanned path", "path", dir, "objects", len(objects), "candidates", len(files))
	return files, nil
}

// Extension returns the lower-cased text after the last dot of the base name,
// or the whole base name when it has no dot.
func Extension(name string) string {
	base := strings.ToLower(path.Base(name))
	if idx := strings.LastIndex(base, "."); idx >= 0 {
		return base[idx+1:]
	}
	return base
}
