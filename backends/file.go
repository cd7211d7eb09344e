package backends

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk shape of a backends file:
//
//	default: local
//	backends:
//	  local: http://localhost:8080/mcp
//	  search: https://search.internal/mcp
type fileDocument struct {
	Default  string            `yaml:"default"`
	Backends map[string]string `yaml:"backends"`
}

// File resolves against a YAML backends file and can reload it when the
// file changes on disk.
type File struct {
	path        string
	fallbackDef string
	log         *slog.Logger

	mu  sync.RWMutex
	cur *Static
}

// FileOption configures a File resolver.
type FileOption func(*File)

// WithDefault sets the default used when the file names none.
func WithDefault(def string) FileOption {
	return func(f *File) { f.fallbackDef = def }
}

func WithLogger(l *slog.Logger) FileOption {
	return func(f *File) { f.log = l }
}

// LoadFile reads and validates the backends file at path.
func LoadFile(path string, opts ...FileOption) (*File, error) {
	f := &File{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file. On error the previous configuration stays in
// effect.
func (f *File) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read backends file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse backends file %s: %w", f.path, err)
	}
	def := doc.Default
	if def == "" {
		def = f.fallbackDef
	}
	s, err := NewStatic(doc.Backends, def)
	if err != nil {
		return fmt.Errorf("backends file %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.cur = s
	f.mu.Unlock()
	return nil
}

func (f *File) Resolve(ctx context.Context, address string) (string, error) {
	f.mu.RLock()
	s := f.cur
	f.mu.RUnlock()
	return s.Resolve(ctx, address)
}

// Watch reloads the file whenever it is written, created or renamed into
// place, until ctx is done. The parent directory is watched so that editors
// replacing the file atomically are seen.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.log.WarnContext(ctx, "backends.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "backends.reload.ok", slog.String("path", f.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.WarnContext(ctx, "backends.watch.error", slog.String("err", err.Error()))
		}
	}
}
