package poll

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogSink appends newly seen lines of a growing job log to
// <folder>/<name>.log. Each call passes the whole log seen so far.
type LogSink struct {
	path string

	mu      sync.Mutex
	written int
}

// NewLogSink creates the folder if needed. An existing file is truncated.
func NewLogSink(folder, name string) (*LogSink, error) {
	if strings.TrimSpace(folder) == "" {
		return nil, fmt.Errorf("log folder is required")
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create log folder: %w", err)
	}

	path := filepath.Join(folder, sanitizeName(name)+".log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	return &LogSink{path: path}, nil
}

// Path returns the file being written.
func (s *LogSink) Path() string {
	return s.path
}

// Update appends the lines past those already written. It returns the
// number of lines appended.
func (s *LogSink) Update(lines []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lines) <= s.written {
		return 0, nil
	}
	fresh := lines[s.written:]

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(fresh, "\n") + "\n"); err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	s.written = len(lines)
	return len(fresh), nil
}

func sanitizeName(name string) string {
	name = strings.Trim(strings.ReplaceAll(name, string(filepath.Separator), "-"), "-. ")
	if name == "" {
		return "job"
	}
	return name
}
