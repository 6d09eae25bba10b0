// Package storage reads and writes objects on the record and source shares.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // Azure driver
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Config selects and configures a backend.
type Config struct {
	Backend  string // "local" | "gcs" | "s3" | "azure" | "mem"
	Bucket   string
	Prefix   string
	LocalDir string
}

// Object is one listed object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is a prefixed view over one bucket.
type Store struct {
	bucket *blob.Bucket
	scheme string
	root   string
	prefix string
}

// Open opens the configured backend.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		bucket *blob.Bucket
		err    error
		scheme string
		root   string
	)

	switch cfg.Backend {
	case "", "local":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "./data"
		}
		if dir, err = filepath.Abs(dir); err != nil {
			return nil, fmt.Errorf("resolve local dir: %w", err)
		}
		bucket, err = fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
		scheme, root = "file://", dir
	case "gcs":
		bucket, err = blob.OpenBucket(ctx, "gs://"+cfg.Bucket)
		scheme, root = "gs://", cfg.Bucket
	case "s3":
		bucket, err = blob.OpenBucket(ctx, "s3://"+cfg.Bucket)
		scheme, root = "s3://", cfg.Bucket
	case "azure":
		bucket, err = blob.OpenBucket(ctx, "azblob://"+cfg.Bucket)
		scheme, root = "azblob://", cfg.Bucket
	case "mem":
		bucket, err = blob.OpenBucket(ctx, "mem://")
		scheme, root = "mem://", ""
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s bucket %s: %w", cfg.Backend, cfg.Bucket, err)
	}

	return New(bucket, scheme, root, cfg.Prefix), nil
}

// New wraps an already opened bucket. scheme and root only shape URI output.
func New(bucket *blob.Bucket, scheme, root, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{
		bucket: bucket,
		scheme: scheme,
		root:   root,
		prefix: prefix,
	}
}

func (s *Store) key(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

// Read returns the full object.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write stores data under key, replacing any existing object.
func (s *Store) Write(ctx context.Context, key string, data []byte, contentType string) error {
	opts := &blob.WriterOptions{ContentType: contentType}

	w, err := s.bucket.NewWriter(ctx, s.key(key), opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// List returns every object below dir, recursively. Keys are relative to the
// store prefix.
func (s *Store) List(ctx context.Context, dir string) ([]Object, error) {
	listPrefix := s.key(dir)
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}

	var objects []Object
	iter := s.bucket.List(&blob.ListOptions{Prefix: listPrefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, Object{
			Key:     strings.TrimPrefix(obj.Key, s.prefix),
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}
	return objects, nil
}

// SignedURL returns a time-limited read URL for key. Backends that cannot sign
// fall back to the object URI.
func (s *Store) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.bucket.SignedURL(ctx, s.key(key), &blob.SignedURLOptions{
		Expiry: expiry,
		Method: "GET",
	})
	if err != nil {
		if gcerrors.Code(err) == gcerrors.Unimplemented {
			return s.URI(key), nil
		}
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	return u, nil
}

// URI returns the canonical URI for key.
func (s *Store) URI(key string) string {
	if s.root == "" {
		return s.scheme + s.key(key)
	}
	return s.scheme + path.Join(s.root, s.key(key))
}

// Close releases the bucket.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
