package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"astrtown.ai/internal/logging"
)

// FileTokenSource serves the trimmed contents of a token file and reloads it
// when the file changes on disk, so operators can rotate a locked-out token
// without restarting the bridge.
type FileTokenSource struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileTokenSource(path string, log *zap.Logger) (*FileTokenSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &FileTokenSource{
		path: abs,
		log:  logging.OrNop(log).Named("token"),
		done: make(chan struct{}),
	}
	s.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and secret mounts replace the file rather
	// than writing it in place.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	s.watcher = w
	return s, nil
}

func (s *FileTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Watch processes file events until ctx is done.
func (s *FileTokenSource) Watch(ctx context.Context) error {
	defer close(s.done)
	defer s.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (s *FileTokenSource) reload() {
	b, err := os.ReadFile(s.path)
	tok := ""
	if err == nil {
		tok = strings.TrimSpace(string(b))
	} else if !os.IsNotExist(err) {
		s.log.Warn("read token file", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.mu.Lock()
	changed := tok != s.token
	s.token = tok
	s.mu.Unlock()
	if changed {
		s.log.Info("token reloaded", zap.String("path", s.path), zap.Bool("present", tok != ""))
	}
}
