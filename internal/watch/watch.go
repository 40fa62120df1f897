// Package watch reruns a handler when artifacts under a project root change.
//
// Filesystem events are collected until the tree has been quiet for the
// debounce interval, then delivered as one batch. A token bucket caps how
// often the handler runs so a burst of saves produces a single rescan.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/ignore"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/watch"

// DefaultDebounce is used when Config.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Handler receives the root-relative paths that changed since the last call.
type Handler func(ctx context.Context, changed []string) error

// Config configures a Watcher.
type Config struct {
	Debounce time.Duration

	// Extensions limits which files trigger a batch. Empty means all.
	Extensions []string

	// Matcher excludes paths; nil uses ignore.DefaultPatterns.
	Matcher *ignore.Matcher
}

// Watcher watches a directory tree.
type Watcher struct {
	root       string
	debounce   time.Duration
	extensions map[string]bool
	matcher    *ignore.Matcher
	handler    Handler
	limiter    *rate.Limiter
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates a watcher for root. Call Run to start it.
func New(root string, cfg *Config, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("watch handler is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = ignore.NewMatcher(ignore.DefaultPatterns)
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = true
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		root:       abs,
		debounce:   debounce,
		extensions: exts,
		matcher:    matcher,
		handler:    handler,
		limiter:    rate.NewLimiter(rate.Every(debounce), 1),
		watcher:    fw,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string { return w.root }

// Run watches until ctx is done. Handler errors are logged and do not stop
// the loop. Run closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.logger.Info("watching for changes", zap.String("root", w.root), zap.Duration("debounce", w.debounce))

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			rel, relevant := w.handleEvent(event)
			if !relevant {
				continue
			}
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = make(map[string]struct{})
			w.dispatch(ctx, changed)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, changed []string) {
	ctx, span := w.tracer.Start(ctx, "watch.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("changed", len(changed)))

	w.logger.Info("changes detected", zap.Strings("paths", changed))
	if err := w.handler(ctx, changed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn("watch handler failed", zap.Error(err))
	}
}

// handleEvent adds new directories to the watch set and reports whether the
// event concerns an eligible artifact.
func (w *Watcher) handleEvent(event fsnotify.Event) (string, bool) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if w.matcher.Match(rel) {
		return "", false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new directory failed", zap.String("path", rel), zap.Error(err))
			}
			return "", false
		}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	return rel, w.eligible(rel)
}

// eligible skips backups and temporary write files so a remediation run
// does not retrigger itself.
func (w *Watcher) eligible(rel string) bool {
	base := filepath.Base(rel)
	if artifact.IsBackup(rel) || strings.HasPrefix(base, ".fixd-") {
		return false
	}
	if len(w.extensions) > 0 && !w.extensions[strings.ToLower(filepath.Ext(rel))] {
		return false
	}
	return true
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			rel, _ := filepath.Rel(w.root, p)
			if w.matcher.Match(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}
