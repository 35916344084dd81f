// Package runlog persists one JSON line per pipeline run for offline
// auditing.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tannatlabs/lens/pkg/pipeline"
)

// FileSink appends run records to a JSONL file. Safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Record(_ context.Context, rec pipeline.RunRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
