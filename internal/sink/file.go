package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// FileSink appends every access unit to a raw Annex-B elementary stream.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// CreateFile truncates or creates path, creating parent directories.
func CreateFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

// WriteFrame appends au's payload.
func (s *FileSink) WriteFrame(_ context.Context, au *media.AccessUnit, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(au.Payload); err != nil {
		return fmt.Errorf("sink: write %s: %w", s.f.Name(), err)
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.w.Flush(), s.f.Close())
}
