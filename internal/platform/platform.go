// Package platform talks to the file and storage services of the target data
// platform.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-share-loader/internal/request"
)

var (
	// ErrInvalidUploadLocation is returned when the upload location response
	// lacks a signed URL or file source.
	ErrInvalidUploadLocation = errors.New("invalid upload location")

	// ErrUnexpectedStatus is returned when a call succeeds with a status the
	// operation does not accept.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrMissingAssignedID is returned when metadata submission does not
	// return a record id.
	ErrMissingAssignedID = errors.New("metadata submission returned no id")

	// ErrMissingVersion is returned when a record has no versions yet.
	ErrMissingVersion = errors.New("record has no versions")
)

// Config addresses one platform instance.
type Config struct {
	FileURL       string
	StorageURL    string
	DataPartition string
}

// Executor runs a request under the retry policy.
type Executor interface {
	Execute(ctx context.Context, req request.Request) (request.Outcome, error)
}

// Client calls the platform services.
type Client struct {
	exec Executor
	cfg  Config
	log  *slog.Logger
}

// NewClient creates a platform client.
func NewClient(exec Executor, cfg Config, log *slog.Logger) *Client {
	cfg.FileURL = strings.TrimRight(cfg.FileURL, "/")
	cfg.StorageURL = strings.TrimRight(cfg.StorageURL, "/")
	return &Client{
		exec: exec,
		cfg:  cfg,
		log:  log.With("component", "platform"),
	}
}

// NewCorrelationID returns the correlation id sent with one request.
func NewCorrelationID() string {
	return "workflow-" + uuid.New().String()
}

func (c *Client) headers(post bool) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("data-partition-id", c.cfg.DataPartition)
	h.Set("correlation-id", NewCorrelationID())
	if post {
		h.Set("Content-Type", "application/json")
	}
	return h
}

// UploadLocation is where a file's bytes are copied to.
type UploadLocation struct {
	FileID     string
	SignedURL  string
	FileSource string
}

// UploadURL acquires a fresh upload location.
func (c *Client) UploadURL(ctx context.Context) (UploadLocation, request.Outcome, error) {
	out, err := c.exec.Execute(ctx, request.Request{
		Name:   "upload_url",
		Method: http.MethodGet,
		URL:    c.cfg.FileURL + "/files/uploadURL",
		Header: c.headers(false),
	})
	if err != nil {
		return UploadLocation{}, out, err
	}
	if out.Err != nil {
		c.log.Warn("failed to get upload url", "status", out.FinalStatus, "error", out.Err)
		return UploadLocation{}, out, fmt.Errorf("get upload url: %w", out.Err)
	}

	loc, unknown, err := decodeUploadLocation(out.Body)
	if err != nil {
		return UploadLocation{}, out, err
	}
	if len(unknown) > 0 {
		c.log.Debug("upload location carried unmapped fields", "fields", unknown)
	}
	return loc, out, nil
}

// decodeUploadLocation maps the upload location response and returns the keys
// it did not recognise.
func decodeUploadLocation(body []byte) (UploadLocation, []string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return UploadLocation{}, nil, fmt.Errorf("%w: %v", ErrInvalidUploadLocation, err)
	}

	var (
		loc     UploadLocation
		unknown []string
		inner   map[string]json.RawMessage
	)
	for key, raw := range top {
		switch key {
		case "FileID":
			if err := json.Unmarshal(raw, &loc.FileID); err != nil {
				return UploadLocation{}, nil, fmt.Errorf("%w: FileID: %v", ErrInvalidUploadLocation, err)
			}
		case "Location":
			if err := json.Unmarshal(raw, &inner); err != nil {
				return UploadLocation{}, nil, fmt.Errorf("%w: Location: %v", ErrInvalidUploadLocation, err)
			}
		default:
			unknown = append(unknown, key)
		}
	}

	for key, raw := range inner {
		var dst *string
		switch key {
		case "SignedURL":
			dst = &loc.SignedURL
		case "FileSource":
			dst = &loc.FileSource
		default:
			unknown = append(unknown, "Location."+key)
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return UploadLocation{}, nil, fmt.Errorf("%w: Location.%s: %v", ErrInvalidUploadLocation, key, err)
		}
	}

	if loc.SignedURL == "" {
		return UploadLocation{}, unknown, fmt.Errorf("%w: missing Location.SignedURL", ErrInvalidUploadLocation)
	}
	if loc.FileSource == "" {
		return UploadLocation{}, unknown, fmt.Errorf("%w: missing Location.FileSource", ErrInvalidUploadLocation)
	}
	return loc, unknown, nil
}

// PostMetadata submits a finalized metadata document and returns the id the
// platform assigned.
func (c *Client) PostMetadata(ctx context.Context, doc []byte) (string, request.Outcome, error) {
	out, err := c.exec.Execute(ctx, request.Request{
		Name:   "metadata",
		Method: http.MethodPost,
		URL:    c.cfg.FileURL + "/files/metadata",
		Header: c.headers(true),
		Body:   doc,
	})
	if err != nil {
		return "", out, err
	}
	if out.Err != nil {
		c.log.Warn("failed to upload metadata", "status", out.FinalStatus, "error", out.Err)
		return "", out, fmt.Errorf("post metadata: %w", out.Err)
	}
	if out.FinalStatus != http.StatusCreated {
		return "", out, fmt.Errorf("post metadata: %w: %d", ErrUnexpectedStatus, out.FinalStatus)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil || resp.ID == "" {
		return "", out, ErrMissingAssignedID
	}
	return resp.ID, out, nil
}

// Versions returns the versions recorded for id, oldest first.
func (c *Client) Versions(ctx context.Context, id string) ([]string, request.Outcome, error) {
	if id == "" {
		return nil, request.Outcome{}, fmt.Errorf("versions: %w", ErrMissingAssignedID)
	}

	out, err := c.exec.Execute(ctx, request.Request{
		Name:   "versions",
		Method: http.MethodGet,
		URL:    c.cfg.StorageURL + "/records/versions/" + url.PathEscape(id),
		Header: c.headers(false),
	})
	if err != nil {
		return nil, out, err
	}
	if out.Err != nil {
		c.log.Warn("failed to acquire versions", "id", id, "status", out.FinalStatus, "error", out.Err)
		return nil, out, fmt.Errorf("get versions: %w", out.Err)
	}

	var resp struct {
		Versions []json.RawMessage `json:"versions"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, out, fmt.Errorf("decode versions: %w", err)
	}

	versions := make([]string, 0, len(resp.Versions))
	for _, raw := range resp.Versions {
		versions = append(versions, versionString(raw))
	}
	if len(versions) == 0 {
		return nil, out, ErrMissingVersion
	}
	return versions, out, nil
}

// versionString accepts versions encoded as JSON numbers or strings.
func versionString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
