// Package sink persists acquisition output to the local filesystem: tabular
// rows, one JSON document per item, and diagnostic artifacts for failed
// extractions. All sinks append; nothing is rewritten mid-run.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CSV appends rows to a single file, writing the header exactly once when
// the file is created (or found empty).
type CSV struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	width  int
}

// OpenCSV opens path for appending and writes header if the file is new.
func OpenCSV(path string, header []string) (*CSV, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("csv header is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}

	s := &CSV{
		file:   f,
		writer: csv.NewWriter(f),
		width:  len(header),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := s.writer.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}
	return s, nil
}

// Append writes one row and flushes it.
func (s *CSV) Append(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("csv sink is closed")
	}
	if len(row) != s.width {
		return fmt.Errorf("row has %d columns, header has %d", len(row), s.width)
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	flushErr := s.writer.Error()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush csv: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close csv: %w", closeErr)
	}
	return nil
}
