package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// entry is one append-only journal line: either a completed item or a
// cursor update.
type entry struct {
	Done   string  `json:"done,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// FileStore is a checkpoint journal on the local filesystem: JSON lines,
// appended and fsynced on every mutation. State is rebuilt by replaying the
// journal on open; a torn trailing line is dropped, which errs on the side
// of re-fetching.
type FileStore struct {
	mu     sync.Mutex
	file   *os.File
	done   map[string]struct{}
	cursor Cursor
	logger *zap.Logger
}

// OpenFile opens (or creates) the journal at path and replays it.
func OpenFile(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	s := &FileStore{
		done:   make(map[string]struct{}),
		logger: logger,
	}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint journal %s: %w", path, err)
	}
	s.file = f
	return s, nil
}

func (s *FileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint journal %s: %w", path, err)
	}
	defer f.Close()

	dropped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn or corrupt line: treat its item as not done.
			dropped++
			continue
		}
		if e.Done != "" {
			s.done[e.Done] = struct{}{}
		}
		if e.Cursor != nil {
			s.cursor = *e.Cursor
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan checkpoint journal %s: %w", path, err)
	}
	if dropped > 0 {
		s.logger.Warn("dropped unparsable checkpoint lines",
			zap.String("path", path),
			zap.Int("lines", dropped),
		)
	}
	return nil
}

// IsDone reports whether the item has already been completed.
func (s *FileStore) IsDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

// MarkDone journals the item and flushes to stable storage before the
// in-memory set is updated.
func (s *FileStore) MarkDone(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return nil
	}
	if err := s.appendLocked(ctx, entry{Done: id}); err != nil {
		return err
	}
	s.done[id] = struct{}{}
	return nil
}

// Cursor returns the last persisted cursor.
func (s *FileStore) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetCursor journals and flushes the new cursor position.
func (s *FileStore) SetCursor(ctx context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(ctx, entry{Cursor: &c}); err != nil {
		return err
	}
	s.cursor = c
	return nil
}

// DoneCount returns the number of completed items.
func (s *FileStore) DoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

// Close closes the journal file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("close checkpoint journal: %w", err)
	}
	return nil
}

func (s *FileStore) appendLocked(ctx context.Context, e entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("checkpoint write canceled: %w", err)
	}
	if s.file == nil {
		return fmt.Errorf("checkpoint journal is closed")
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("append checkpoint entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint journal: %w", err)
	}
	return nil
}
