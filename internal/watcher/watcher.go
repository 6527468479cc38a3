// Package watcher discovers finished combat logs under one or more directory
// trees and reports each path once.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultExts are the log extensions picked up when none are configured.
var DefaultExts = []string{"evtc", "zevtc"}

const DefaultDebounce = 2 * time.Second

var ErrNoRoots = errors.New("watcher: no roots configured")

// Config selects what to watch.
type Config struct {
	Roots       []string      // directories to watch recursively
	Exts        []string      // allowed extensions, case-insensitive, with or without the dot
	InitialScan bool          // report files already present at start
	Debounce    time.Duration // quiet period before a file is reported
}

// Watch starts watching and returns a channel of discovered log paths. The
// channel is closed when ctx is done. A path is reported once it has seen no
// events for the debounce period, and never twice.
func Watch(ctx context.Context, cfg Config, logger *slog.Logger) (<-chan string, error) {
	if len(cfg.Roots) == 0 {
		return nil, ErrNoRoots
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Exts) == 0 {
		cfg.Exts = DefaultExts
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		fs:      fw,
		exts:    extSet(cfg.Exts),
		log:     logger.With("component", "watcher"),
		pending: make(map[string]time.Time),
		seen:    make(map[string]struct{}),
	}
	var initial []string
	for _, root := range cfg.Roots {
		found, err := w.addTree(root)
		if err != nil {
			fw.Close()
			return nil, err
		}
		if cfg.InitialScan {
			initial = append(initial, found...)
		}
	}
	w.log.Info("watching for logs", "roots", cfg.Roots, "exts", cfg.Exts)

	out := make(chan string, 64)
	go w.loop(ctx, cfg.Debounce, initial, out)
	return out, nil
}

type watcher struct {
	fs      *fsnotify.Watcher
	exts    map[string]struct{}
	log     *slog.Logger
	pending map[string]time.Time // path -> time it becomes reportable
	seen    map[string]struct{}  // already reported
}

func (w *watcher) loop(ctx context.Context, debounce time.Duration, initial []string, out chan<- string) {
	defer close(out)
	defer w.fs.Close()

	sort.Strings(initial)
	for _, p := range initial {
		if !w.emit(ctx, p, out) {
			return
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-w.fs.Events:
			if !ok {
				return
			}
			for _, p := range w.handle(e) {
				if debounce <= 0 {
					if !w.emit(ctx, p, out) {
						return
					}
					continue
				}
				w.pending[p] = time.Now().Add(debounce)
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)

		case now := <-timerC:
			next, ok := w.flush(ctx, now, out)
			if !ok {
				return
			}
			if next.IsZero() {
				timer, timerC = nil, nil
			} else {
				timer.Reset(next.Sub(now))
			}
		}
	}
}

// handle processes one event and returns the log paths it touched.
func (w *watcher) handle(e fsnotify.Event) []string {
	if e.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
			found, err := w.addTree(e.Name)
			if err != nil {
				w.log.Warn("watch new directory", "path", e.Name, "error", err)
			}
			return found
		}
	}
	if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 || !w.allowed(e.Name) {
		return nil
	}
	if _, done := w.seen[e.Name]; done {
		return nil
	}
	// a Rename event names the old path; only existing files count
	if _, err := os.Stat(e.Name); err != nil {
		return nil
	}
	return []string{e.Name}
}

// flush emits every pending path whose quiet period is over and returns the
// next deadline, or the zero time when nothing is left.
func (w *watcher) flush(ctx context.Context, now time.Time, out chan<- string) (time.Time, bool) {
	var due []string
	var next time.Time
	for p, at := range w.pending {
		if !at.After(now) {
			due = append(due, p)
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	sort.Strings(due)
	for _, p := range due {
		delete(w.pending, p)
		if !w.emit(ctx, p, out) {
			return time.Time{}, false
		}
	}
	return next, true
}

func (w *watcher) emit(ctx context.Context, path string, out chan<- string) bool {
	if _, done := w.seen[path]; done {
		return true
	}
	w.seen[path] = struct{}{}
	w.log.Debug("log discovered", "path", path)
	select {
	case out <- path:
		return true
	case <-ctx.Done():
		return false
	}
}

// addTree watches root and every directory below it and returns the log
// files already there.
func (w *watcher) addTree(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		if w.allowed(path) {
			found = append(found, path)
		}
		return nil
	})
	return found, err
}

func (w *watcher) allowed(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := w.exts[ext]
	return ok
}

func extSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.TrimPrefix(strings.ToLower(e), ".")] = struct{}{}
	}
	return set
}
