package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/extension"
)

// FileOptions configures one flat-file persistence registration.
type FileOptions struct {
	// Dir holds one state file per document, named after the document.
	Dir string

	// Key overrides the registration key, default "file".
	Key  string
	Tags []string

	// Watch merges external rewrites of the state file back into the
	// document, so two processes sharing a directory converge.
	Watch bool

	Log *slog.Logger
}

// File returns a persistence registration that keeps the full document
// state in a single file, rewritten atomically on every transaction.
// Suited to small documents; the SQLite provider scales better.
func File(opts FileOptions) extension.Registration {
	key := opts.Key
	if key == "" {
		key = "file"
	}
	return extension.Registration{
		Key:  key,
		Tags: opts.Tags,
		New: func(ctx context.Context, fc *extension.FactoryContext) (*extension.Extension, error) {
			p, err := newFileProvider(opts, fc.Doc)
			if err != nil {
				return nil, err
			}
			return &extension.Extension{
				Exports:   p,
				WhenReady: p.load,
				Destroy:   p.close,
				Purge:     p.purge,
			}, nil
		},
	}
}

// FileProvider persists one document as a single state file.
type FileProvider struct {
	doc  *crdt.Doc
	path string
	log  *slog.Logger

	watch   bool
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	updateH int
	closed  bool
}

func newFileProvider(opts FileOptions, doc *crdt.Doc) (*FileProvider, error) {
	if doc.Name() == "" {
		return nil, fmt.Errorf("file provider: document has no name")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &FileProvider{
		doc:   doc,
		path:  filepath.Join(opts.Dir, doc.Name()+".state"),
		log:   log,
		watch: opts.Watch,
	}, nil
}

// Path returns the state file location.
func (p *FileProvider) Path() string { return p.path }

func (p *FileProvider) load(ctx context.Context) error {
	buf, err := os.ReadFile(p.path)
	switch {
	case os.IsNotExist(err):
		// First run, nothing stored yet.
	case err != nil:
		return fmt.Errorf("read state file: %w", err)
	default:
		if err := p.doc.ApplyState(buf, p); err != nil {
			return fmt.Errorf("apply state file: %w", err)
		}
	}

	p.mu.Lock()
	p.updateH = p.doc.OnUpdate(p.onUpdate)
	p.mu.Unlock()

	if p.watch {
		if err := p.startWatcher(); err != nil {
			return err
		}
	}
	return nil
}

func (p *FileProvider) onUpdate(u crdt.Update) {
	if u.Origin == p {
		return
	}
	p.persist()
}

func (p *FileProvider) persist() {
	state, err := p.doc.EncodeState()
	if err != nil {
		p.log.Error("encode state", slog.String("path", p.path), slog.Any("error", err))
		return
	}
	if err := atomic.WriteFile(p.path, bytes.NewReader(state)); err != nil {
		p.log.Error("write state file", slog.String("path", p.path), slog.Any("error", err))
	}
}

// startWatcher follows external rewrites of the state file. Re-reading
// our own atomic rename is harmless: merging already-known state is a
// no-op.
func (p *FileProvider) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch state directory: %w", err)
	}
	p.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != p.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p.merge()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Error("state watcher", slog.String("path", p.path), slog.Any("error", err))
			}
		}
	}()
	return nil
}

func (p *FileProvider) merge() {
	buf, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Error("reread state file", slog.String("path", p.path), slog.Any("error", err))
		}
		return
	}
	if err := p.doc.ApplyState(buf, p); err != nil {
		p.log.Error("merge state file", slog.String("path", p.path), slog.Any("error", err))
	}
}

func (p *FileProvider) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	h := p.updateH
	p.mu.Unlock()

	p.doc.OffUpdate(h)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *FileProvider) purge() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
