// Package watcher follows a job log file as it grows, emitting each new
// complete line tagged with the code stream it belongs to.
package watcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/sasjs/internal/logs"
)

// Line is one complete log line.
type Line struct {
	Text string
	Kind logs.LineKind
	// Number is the one-based line number in the file.
	Number int
}

// Follower watches a single file. The file may not exist yet; it is picked
// up when created. Truncation or recreation restarts from the beginning.
type Follower struct {
	path string

	fsWatcher *fsnotify.Watcher
	lines     chan Line
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	offset  int64
	partial string
	number  int

	wg sync.WaitGroup
}

const (
	defaultLinesBuffer  = 256
	defaultErrorsBuffer = 10
)

// Follow starts following path. Existing content is emitted first.
func Follow(path string) (*Follower, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory so creation and replacement of the file are seen.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	f := &Follower{
		path:      abs,
		fsWatcher: fsw,
		lines:     make(chan Line, defaultLinesBuffer),
		errors:    make(chan error, defaultErrorsBuffer),
		done:      make(chan struct{}),
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
	return f, nil
}

// Path returns the absolute path being followed.
func (f *Follower) Path() string { return f.path }

// Lines returns the channel of new lines. It is closed by Close.
func (f *Follower) Lines() <-chan Line { return f.lines }

// Errors returns read and watch errors.
func (f *Follower) Errors() <-chan error { return f.errors }

// Close stops following and releases OS resources.
func (f *Follower) Close() error {
	if f == nil {
		return nil
	}
	f.closeOnce.Do(func() {
		close(f.done)
	})
	err := f.fsWatcher.Close()
	f.wg.Wait()
	return err
}

func (f *Follower) run() {
	defer close(f.lines)
	defer close(f.errors)

	if !f.readNew() {
		return
	}

	for {
		select {
		case <-f.done:
			return
		case evt, ok := <-f.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != f.path {
				continue
			}
			switch {
			case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				f.reset()
			case evt.Op&fsnotify.Create != 0:
				f.reset()
				if !f.readNew() {
					return
				}
			case evt.Op&fsnotify.Write != 0:
				if !f.readNew() {
					return
				}
			}
		case err, ok := <-f.fsWatcher.Errors:
			if !ok {
				return
			}
			f.emitError(err)
		}
	}
}

func (f *Follower) reset() {
	f.offset = 0
	f.partial = ""
	f.number = 0
}

// readNew emits lines appended since the last read. It returns false once
// the follower is closing.
func (f *Follower) readNew() bool {
	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.emitError(fmt.Errorf("open %s: %w", f.path, err))
		}
		return true
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		f.emitError(fmt.Errorf("stat %s: %w", f.path, err))
		return true
	}
	if info.Size() < f.offset {
		f.reset()
	}
	if info.Size() == f.offset {
		return true
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		f.emitError(fmt.Errorf("seek %s: %w", f.path, err))
		return true
	}
	data, err := io.ReadAll(file)
	if err != nil {
		f.emitError(fmt.Errorf("read %s: %w", f.path, err))
		return true
	}
	f.offset += int64(len(data))

	chunk := f.partial + string(data)
	parts := strings.Split(chunk, "\n")
	f.partial = parts[len(parts)-1]

	for _, text := range parts[:len(parts)-1] {
		text = strings.TrimSuffix(text, "\r")
		f.number++
		line := Line{Text: text, Kind: logs.Classify(text), Number: f.number}
		select {
		case f.lines <- line:
		case <-f.done:
			return false
		}
	}
	return true
}

func (f *Follower) emitError(err error) {
	select {
	case f.errors <- err:
	default:
		// Best-effort: drop if consumer is stalled.
	}
}
