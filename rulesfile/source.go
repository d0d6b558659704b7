package rulesfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liamcoop/featurerules/rules"
)

// DefaultDebounce is the quiet period before a changed file is reloaded
const DefaultDebounce = 100 * time.Millisecond

// Source serves an evaluator built from a rules file. Reloads build a new
// evaluator and swap it in; in-flight evaluations keep the old one.
type Source struct {
	path     string
	base     rules.Config
	logger   *slog.Logger
	debounce time.Duration
	current  atomic.Pointer[rules.Evaluator]

	// OnReload, when set, is called after every reload attempt
	OnReload func(err error)
}

// NewSource loads path and builds the first evaluator. base supplies the
// policies, registry and observer; the file may override the context
// variable and engine name.
func NewSource(path string, base rules.Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		path:     filepath.Clean(path),
		base:     base,
		logger:   logger,
		debounce: DefaultDebounce,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Evaluator returns the current evaluator
func (s *Source) Evaluator() *rules.Evaluator {
	return s.current.Load()
}

// Reload re-reads the file. On failure the previous evaluator stays active.
func (s *Source) Reload() error {
	err := s.load()
	if err != nil {
		s.logger.Error("rules reload failed, keeping previous rules", "path", s.path, "error", err)
	}
	if s.OnReload != nil {
		s.OnReload(err)
	}
	return err
}

func (s *Source) load() error {
	f, err := Load(s.path)
	if err != nil {
		return err
	}

	ev, err := rules.NewEvaluator(f.RuleSet(), f.Apply(s.base))
	if err != nil {
		return fmt.Errorf("build evaluator for %q: %w", s.path, err)
	}

	s.current.Store(ev)
	s.logger.Info("rules loaded", "path", s.path, "rules", len(f.Rules), "engine", ev.EngineName())
	return nil
}

// Watch reloads the file whenever it changes until ctx is done.
// The parent directory is watched so that editors replacing the file by
// rename are picked up.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", s.path, err)
	}
	s.logger.Info("watching rules file", "path", s.path, "debounce_ms", s.debounce.Milliseconds())

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != s.path || event.Op == fsnotify.Chmod {
				continue
			}
			s.logger.Debug("rules file event", "op", event.Op.String())

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				if ctx.Err() == nil {
					_ = s.Reload()
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			s.logger.Error("rules file watcher error", "error", err)
		}
	}
}
