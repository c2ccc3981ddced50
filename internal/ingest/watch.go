package ingest

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce lets a writer finish before the file is read.
var debounce = 200 * time.Millisecond

// FileCallback is called after each watched file is processed.
type FileCallback func(path string, stats Stats, err error)

// Watch processes files matching pattern as they are created or rewritten in dir,
// until ctx is cancelled. Files already present are left alone.
func (p *Processor) Watch(ctx context.Context, dir, pattern string, cb FileCallback) error {
	if pattern == "" {
		pattern = "*.json"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	p.log.Info("watcher started", "dir", dir, "pattern", pattern)

	pending := make(map[string]struct{})
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("watcher stopped", "dir", dir)
			return nil

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			clear(pending)

			for _, path := range paths {
				stats, err := p.ProcessFile(ctx, path)
				if err != nil {
					p.log.Warn("watched file failed", "path", path, "error", err)
				}
				if cb != nil {
					cb(path, stats, err)
				}
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if match, _ := filepath.Match(pattern, filepath.Base(ev.Name)); !match {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(debounce)

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Error("watcher error", "error", werr)
		}
	}
}
