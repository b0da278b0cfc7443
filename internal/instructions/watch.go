package instructions

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"pika-helper/internal/domain"
)

// Catalogue serves lookups from the current Registry and can swap it at
// runtime when the backing file is edited.
type Catalogue struct {
	current atomic.Pointer[Registry]
}

// NewCatalogue wraps r.
func NewCatalogue(r *Registry) *Catalogue {
	c := &Catalogue{}
	c.current.Store(r)
	return c
}

// Lookup implements the instruction source used by the workflow service.
func (c *Catalogue) Lookup(step domain.Step, version int) (Instruction, error) {
	return c.current.Load().Lookup(step, version)
}

// Replace swaps the registry in use.
func (c *Catalogue) Replace(r *Registry) {
	c.current.Store(r)
}

// Watch reloads path whenever it changes until ctx is done. The directory is
// watched rather than the file because editors often save by rename. A file
// that fails to parse is logged and the previous registry stays in use.
func (c *Catalogue) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("instructions: resolve %q: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("instructions: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("instructions: watch %q: %w", abs, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				r, err := LoadFile(abs)
				if err != nil {
					logger.Error("instruction reload failed", "path", abs, "err", err)
					continue
				}
				c.Replace(r)
				logger.Info("instructions reloaded", "path", abs)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("instruction watcher error", "err", err)
			}
		}
	}()
	return nil
}
