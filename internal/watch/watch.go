package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/PhucNguyen204/yara_simplifier/internal/rules"
)

const DefaultDebounce = 100 * time.Millisecond

// Watcher calls a handler for rule files that were written or created. Bursts
// of events for one path within the debounce window collapse into one call.
type Watcher struct {
	w        *fsnotify.Watcher
	handler  func(path string)
	debounce time.Duration
	files    map[string]bool // files added one by one
	dirs     map[string]bool // directories watched as a whole
}

func New(handler func(path string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		w:        w,
		handler:  handler,
		debounce: DefaultDebounce,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
	}, nil
}

// WithDebounce sets the debounce window. Non-positive values fall back to
// DefaultDebounce.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	if d <= 0 {
		d = DefaultDebounce
	}
	w.debounce = d
	return w
}

// Add watches files and directory trees. A file is watched through its parent
// directory so that editors replacing it by rename are still seen.
func (w *Watcher) Add(paths ...string) error {
	for _, p := range paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			if err := w.w.Add(filepath.Dir(p)); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			w.files[p] = true
			continue
		}
		err = filepath.Walk(p, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				w.dirs[path] = true
				return w.w.Add(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("error adding directory to watcher: %w", err)
		}
	}
	return nil
}

func (w *Watcher) relevant(name string) bool {
	name = filepath.Clean(name)
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)] && rules.IsRuleFile(name)
}

// Run delivers events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()

	pending := make(map[string]time.Time)
	every := w.debounce / 2
	if every <= 0 {
		every = w.debounce
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 && w.dirs[filepath.Dir(event.Name)] {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.Add(event.Name); err != nil {
						log.Printf("watch: %v", err)
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !w.relevant(event.Name) {
				continue
			}
			pending[filepath.Clean(event.Name)] = time.Now()

		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)

		case now := <-tick.C:
			for path, seen := range pending {
				if now.Sub(seen) >= w.debounce {
					delete(pending, path)
					w.handler(path)
				}
			}
		}
	}
}

// Close stops the watcher without waiting for Run.
func (w *Watcher) Close() error { return w.w.Close() }
