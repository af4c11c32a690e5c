package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quarryd/quarry/internal/metrics"
)

// Documents writes one JSON file per item under a base directory.
type Documents struct {
	baseDir string
}

// NewDocuments creates the directory if needed and returns the sink.
func NewDocuments(baseDir string) (*Documents, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("document dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &Documents{baseDir: baseDir}, nil
}

// Put writes data to <base>/<id>.json and returns a file:// URI. The id is
// sanitized to a flat filename; traversal outside the base directory is
// rejected.
func (d *Documents) Put(ctx context.Context, id string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("document write canceled: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("document id is required")
	}

	name := sanitizeName(id) + ".json"
	full := filepath.Join(d.baseDir, name)
	if !strings.HasPrefix(filepath.Clean(full), filepath.Clean(d.baseDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("document id %q escapes the output dir", id)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write document %s: %w", full, err)
	}
	metrics.ItemsPersisted.Inc()
	return "file://" + full, nil
}

// sanitizeName maps an opaque item id onto a safe flat filename.
func sanitizeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
