// Package metadoc builds the staged metadata document that accompanies each
// uploaded file.
package metadoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

const (
	// Kind is the record kind of every staged document.
	Kind = "osdu:wks:dataset--File.Generic:1.0.0"

	// UploadPlaceholder marks where the acquired file source is written.
	UploadPlaceholder = "||UPLOAD_URL||"
)

var (
	// ErrMissingPlaceholder is returned when a document has no upload placeholder.
	ErrMissingPlaceholder = errors.New("staged metadata has no upload placeholder")

	// ErrMalformed is returned when a document is not a JSON object.
	ErrMalformed = errors.New("staged metadata is not a JSON object")
)

// Access holds the ACL and legal settings stamped on every document.
type Access struct {
	Viewer   string
	Owner    string
	LegalTag string
}

// Document is the staged metadata for one file.
type Document struct {
	Kind  string `json:"kind"`
	ACL   ACL    `json:"acl"`
	Legal Legal  `json:"legal"`
	Data  Data   `json:"data"`
}

type ACL struct {
	Viewers []string `json:"viewers"`
	Owners  []string `json:"owners"`
}

type Legal struct {
	LegalTags                  []string `json:"legaltags"`
	OtherRelevantDataCountries []string `json:"otherRelevantDataCountries"`
	Status                     string   `json:"status"`
}

type Data struct {
	DatasetProperties DatasetProperties `json:"DatasetProperties"`
}

type DatasetProperties struct {
	FileSourceInfo FileSourceInfo `json:"FileSourceInfo"`
}

type FileSourceInfo struct {
	FileSource string `json:"FileSource"`
	Name       string `json:"Name"`
}

// Generate returns the document for fileName. Only the base name is kept.
func Generate(access Access, fileName string) Document {
	return Document{
		Kind: Kind,
		ACL: ACL{
			Viewers: []string{access.Viewer},
			Owners:  []string{access.Owner},
		},
		Legal: Legal{
			LegalTags:                  []string{access.LegalTag},
			OtherRelevantDataCountries: []string{"US"},
			Status:                     "compliant",
		},
		Data: Data{
			DatasetProperties: DatasetProperties{
				FileSourceInfo: FileSourceInfo{
					FileSource: UploadPlaceholder,
					Name:       path.Base(strings.ReplaceAll(fileName, "\\", "/")),
				},
			},
		},
	}
}

// Marshal renders doc with four-space indentation.
func Marshal(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Validate checks that raw is a JSON object carrying the upload placeholder.
func Validate(raw []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !bytes.Contains(raw, []byte(UploadPlaceholder)) {
		return ErrMissingPlaceholder
	}
	return nil
}

// Substitute replaces every placeholder in raw with fileSource, escaped for
// use inside a JSON string.
func Substitute(raw []byte, fileSource string) ([]byte, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fileSource); err != nil {
		return nil, fmt.Errorf("escape file source: %w", err)
	}
	escaped := bytes.TrimSuffix(bytes.TrimSpace(buf.Bytes()), []byte(`"`))
	escaped = bytes.TrimPrefix(escaped, []byte(`"`))

	return bytes.ReplaceAll(raw, []byte(UploadPlaceholder), escaped), nil
}

// Writer is where staged documents are kept.
type Writer interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// Stage writes doc under dir with a unique name and returns its key.
func Stage(ctx context.Context, w Writer, dir string, doc Document) (string, error) {
	data, err := Marshal(doc)
	if err != nil {
		return "", err
	}
	key := path.Join(dir, uuid.New().String()+".json")
	if err := w.Write(ctx, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("stage metadata %s: %w", key, err)
	}
	return key, nil
}
