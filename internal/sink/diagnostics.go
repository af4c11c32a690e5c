package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Diagnostics saves raw offending documents next to normal output so failed
// extractions can be inspected offline.
type Diagnostics struct {
	baseDir string
}

// NewDiagnostics returns a sink rooted at baseDir (created on first use).
func NewDiagnostics(baseDir string) *Diagnostics {
	return &Diagnostics{baseDir: baseDir}
}

// Save writes data under a timestamped name derived from label and returns
// the path.
func (d *Diagnostics) Save(label string, data []byte) (string, error) {
	if err := os.MkdirAll(d.baseDir, 0o750); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.html", sanitizeName(label), time.Now().UTC().Format("20060102T150405"))
	full := filepath.Join(d.baseDir, name)
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write diagnostic %s: %w", full, err)
	}
	return full, nil
}
