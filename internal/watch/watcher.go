// Package watch reports stable file changes under a set of source
// directories.
//
// Raw fsnotify events are held until the file has stopped changing: a path
// is emitted once its size is unchanged across polls and no event has
// arrived for the debounce window. Files present when the watch starts are
// not reported.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/patternmatcher"

	"github.com/qingminglong/frontend-develop-tools/internal/logging"
)

var log = logging.NewLogger("watch")

// Defaults for Options left zero.
const (
	DefaultDebounce     = 100 * time.Millisecond
	DefaultPollInterval = 50 * time.Millisecond
)

// DefaultIgnore excludes dotfiles, dependencies, build output and source maps.
var DefaultIgnore = []string{
	"**/.*",
	"**/node_modules",
	"**/dist",
	"**/lib",
	"**/es",
	"**/*.map",
}

// ErrNoDirectories is returned by Start when none of the directories exist.
var ErrNoDirectories = errors.New("no directories to watch")

// Kind is the type of a file change.
type Kind int

const (
	KindAdd    Kind = iota // file appeared
	KindChange             // existing file was written
	KindUnlink             // file was removed
)

// String returns the event name: add, change or unlink.
func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindChange:
		return "change"
	case KindUnlink:
		return "unlink"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a stable change to a single file.
type Event struct {
	Kind Kind
	Path string // absolute
}

// Options tune a Watcher. Zero values take the defaults.
type Options struct {
	Debounce     time.Duration
	PollInterval time.Duration
	// Ignore patterns are matched against paths relative to the watched
	// directory containing them, or to the watcher root for other paths. A
	// path is ignored when it or any parent below that directory matches.
	// Nil means DefaultIgnore.
	Ignore []string
}

type pendingFile struct {
	lastEvent time.Time
	size      int64
	exists    bool
}

// Watcher monitors directories recursively using fsnotify.
type Watcher struct {
	Root   string
	Dirs   []string
	Events <-chan Event // Read-only external channel

	absDirs  []string
	events   chan Event
	quit     chan struct{}
	done     chan struct{}
	fsw      *fsnotify.Watcher
	ignore   *patternmatcher.PatternMatcher
	debounce time.Duration
	poll     time.Duration
	stopOnce sync.Once

	// Owned by the loop after Start.
	known   map[string]int64 // file -> last reported size
	pending map[string]*pendingFile
}

// New creates a watcher over dirs. Ignore patterns are evaluated relative
// to root.
func New(root string, dirs []string, opts Options) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	patterns := opts.Ignore
	if patterns == nil {
		patterns = DefaultIgnore
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("compile ignore patterns: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	absDirs := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if abs, err := filepath.Abs(d); err == nil {
			absDirs = append(absDirs, abs)
		}
	}

	ch := make(chan Event, 64)
	return &Watcher{
		Root:     absRoot,
		Dirs:     dirs,
		Events:   ch,
		absDirs:  absDirs,
		events:   ch,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		fsw:      fw,
		ignore:   pm,
		debounce: debounce,
		poll:     poll,
		known:    make(map[string]int64),
		pending:  make(map[string]*pendingFile),
	}, nil
}

// Start registers every directory and begins watching. Directories that do
// not exist are skipped; if none can be watched Start returns
// ErrNoDirectories.
func (w *Watcher) Start() error {
	added := 0
	for _, abs := range w.absDirs {
		n, err := w.addTree(abs, false)
		if err != nil {
			w.fsw.Close()
			return err
		}
		added += n
	}
	if added == 0 {
		w.fsw.Close()
		return ErrNoDirectories
	}
	log.Debugf("watching %d directories under %s", added, w.Root)

	go w.loop()
	return nil
}

// Stop closes the watcher and the Events channel. Pending changes that have
// not stabilized are dropped. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.fsw.Close()
		<-w.done // Wait for loop to exit
		close(w.events)
	})
}

func (w *Watcher) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case <-ticker.C:
			if !w.flush(time.Now()) {
				return
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal.
			log.WithError(err).Warn("fsnotify error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if w.ignored(event.Name) {
		return
	}
	now := time.Now()

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// Files may land in a new directory before it is registered.
			if _, err := w.addTree(event.Name, true); err != nil {
				log.WithError(err).Warnf("watch new directory %s", event.Name)
			}
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// A removed directory takes its known files with it.
		prefix := event.Name + string(filepath.Separator)
		for file := range w.known {
			if strings.HasPrefix(file, prefix) {
				w.touch(file, now)
			}
		}
	}
	w.touch(event.Name, now)
}

// touch marks path as changed at now, restarting its stability window.
func (w *Watcher) touch(path string, now time.Time) {
	p, ok := w.pending[path]
	if !ok {
		p = &pendingFile{size: -1}
		w.pending[path] = p
	}
	p.lastEvent = now
}

// flush emits pending files that have been stable for the debounce window.
// It returns false if the watcher is stopping.
func (w *Watcher) flush(now time.Time) bool {
	for path, p := range w.pending {
		info, err := os.Stat(path)
		exists := err == nil
		if exists && info.IsDir() {
			delete(w.pending, path)
			continue
		}
		size := int64(-1)
		if exists {
			size = info.Size()
		}
		if exists != p.exists || size != p.size {
			// Still being written.
			p.exists, p.size = exists, size
			p.lastEvent = now
			continue
		}
		if now.Sub(p.lastEvent) < w.debounce {
			continue
		}
		delete(w.pending, path)

		_, wasKnown := w.known[path]
		var kind Kind
		switch {
		case exists && wasKnown:
			kind = KindChange
			w.known[path] = size
		case exists:
			kind = KindAdd
			w.known[path] = size
		case wasKnown:
			kind = KindUnlink
			delete(w.known, path)
		default:
			// Created and removed within one window.
			continue
		}
		log.Debugf("%s %s", kind, path)
		select {
		case w.events <- Event{Kind: kind, Path: path}:
		case <-w.quit:
			return false
		}
	}
	return true
}

// addTree registers dir and its non-ignored subdirectories. Existing files
// become known, or pending when report is set. It returns the number of
// directories added.
func (w *Watcher) addTree(dir string, report bool) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Debugf("skipping missing watch directory %s", dir)
		return 0, nil
	}

	added := 0
	now := time.Now()
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).Debugf("skipping inaccessible path %s", path)
			return nil
		}
		if path != dir && w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if report {
				w.touch(path, now)
			} else if fi, err := d.Info(); err == nil {
				w.known[path] = fi.Size()
			}
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch directory %s: %w", path, err)
		}
		added++
		return nil
	})
	return added, walkErr
}

// ignored matches path relative to the innermost watched directory holding
// it, so a package directory named like an ignore rule is still watched.
func (w *Watcher) ignored(path string) bool {
	base := ""
	for _, d := range w.absDirs {
		if within(d, path) && len(d) > len(base) {
			base = d
		}
	}
	if base == "" {
		base = w.Root
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || !within(base, path) {
		return false
	}
	matched, err := w.ignore.MatchesOrParentMatches(rel)
	if err != nil {
		return false
	}
	return matched
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
