// Package transfer moves file bytes from the source share to an acquired
// upload location with a server-side copy.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// ErrInvalidTarget is returned when the signed upload URL cannot address a blob.
var ErrInvalidTarget = errors.New("invalid copy target")

// DefaultThroughput is the assumed copy rate in MiB per second.
const DefaultThroughput = 1.0

// Copier starts a server-side copy of src into the blob at dst.
type Copier interface {
	StartCopy(ctx context.Context, dst, src string) error
}

// AzureCopier copies with the blob service's copy-from-URL operation. The
// signed destination URL carries its own authorization.
type AzureCopier struct {
	log *slog.Logger
}

// NewAzureCopier creates a copier.
func NewAzureCopier(log *slog.Logger) *AzureCopier {
	return &AzureCopier{log: log.With("component", "transfer")}
}

// StartCopy begins the copy. The copy completes asynchronously and cannot be
// observed with the upload URL's permissions.
func (c *AzureCopier) StartCopy(ctx context.Context, dst, src string) error {
	u, err := url.Parse(dst)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, redact(dst))
	}

	client, err := blob.NewClientWithNoCredential(dst, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	resp, err := client.StartCopyFromURL(ctx, src, nil)
	if err != nil {
		return fmt.Errorf("start copy to %s: %w", redact(dst), err)
	}

	if resp.CopyStatus != nil {
		c.log.Debug("copy started", "target", redact(dst), "status", string(*resp.CopyStatus))
	}
	return nil
}

// EstimateWait returns how long a copy of size bytes is assumed to take at
// throughput MiB/s.
func EstimateWait(size int64, throughput float64) time.Duration {
	if size <= 0 {
		return 0
	}
	if throughput <= 0 {
		throughput = DefaultThroughput
	}
	mib := float64(size) / (1 << 20)
	return time.Duration(mib / throughput * float64(time.Second))
}

// redact drops the query string, which holds the signature.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.RawQuery = ""
	return u.String()
}
