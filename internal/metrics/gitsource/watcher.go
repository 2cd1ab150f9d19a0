package gitsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Watcher observes the repository's .git directory and fires a trigger
// when HEAD or a branch ref changes, debounced through a rate limiter
// so a rebase spraying ref updates causes one collection, not fifty.
type Watcher struct {
	gitDir  string
	watcher *fsnotify.Watcher
	limiter *rate.Limiter
	trigger func(context.Context)
	logger  *zap.Logger
}

// NewWatcher creates a watcher for the repository at repoPath. trigger
// runs (on the watcher goroutine) after each debounced git change.
func NewWatcher(repoPath string, limit rate.Limit, trigger func(context.Context), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gitDir := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, repoPath)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	for _, dir := range []string{gitDir, filepath.Join(gitDir, "refs", "heads")} {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	return &Watcher{
		gitDir:  gitDir,
		watcher: w,
		limiter: rate.NewLimiter(limit, 1),
		trigger: trigger,
		logger:  logger.Named("gitwatch"),
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching repository", zap.String("git_dir", w.gitDir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if !w.limiter.Allow() {
				w.logger.Debug("git change debounced", zap.String("name", event.Name))
				continue
			}
			w.logger.Debug("git change detected",
				zap.String("name", event.Name), zap.String("op", event.Op.String()))
			w.trigger(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// relevant filters for HEAD updates and branch ref writes; everything
// else in .git (index churn, lock files) is noise.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if base == "HEAD" || base == "packed-refs" {
		return true
	}
	return strings.Contains(event.Name, filepath.Join("refs", "heads"))
}
