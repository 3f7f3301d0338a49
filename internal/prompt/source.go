// Package prompt supplies the system-role text, either as a literal or
// loaded from a file that is watched for changes.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Source yields the current system-role text. Value is safe for concurrent
// use with reloads.
type Source struct {
	mu      sync.RWMutex
	text    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *slog.Logger
}

// New builds a Source from the configured value. If value names a readable
// file its contents are used and the file is watched for rewrites; otherwise
// value is the text itself. Close releases the watcher.
func New(value string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{logger: logger.With("component", "prompt")}

	path := strings.TrimSpace(value)
	info, err := os.Stat(path)
	if path == "" || err != nil || info.IsDir() {
		s.text = value
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read system role file: %w", err)
	}
	s.text = string(data)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch system role file: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go quiet.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch system role file: %w", err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watch(path)
	return s, nil
}

// Value returns the current system-role text.
func (s *Source) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

// Close stops watching. Safe on literal sources.
func (s *Source) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *Source) watch(path string) {
	defer close(s.done)
	abs, _ := filepath.Abs(path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			evAbs, _ := filepath.Abs(event.Name)
			if evAbs != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reload(path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("system role watcher error", "error", err)
		}
	}
}

// reload swaps in the new file contents; failures keep the previous text.
func (s *Source) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("system role reload failed, keeping previous text",
			"path", path, "error", err)
		return
	}
	s.mu.Lock()
	s.text = string(data)
	s.mu.Unlock()
	s.logger.Info("system role reloaded", "path", path, "bytes", len(data))
}
