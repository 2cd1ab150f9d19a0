// Package gitsource implements a metrics fact source backed by the
// project's git history, plus a filesystem watcher that nudges the
// collector when the repository changes.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/metrics"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// ErrNotGitRepo indicates the configured path is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// Source reads commit history into daily activity and file-touch
// facts. It satisfies metrics.FactSource.
type Source struct {
	path   string
	logger *zap.Logger
}

// New opens the repository at path to verify it exists and returns a
// source over it.
func New(path string, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := git.PlainOpen(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
	}
	return &Source{path: path, logger: logger.Named("gitsource")}, nil
}

// Name implements metrics.FactSource.
func (s *Source) Name() string { return "git" }

// FactTypes implements metrics.FactSource.
func (s *Source) FactTypes() []metrics.FactType {
	return []metrics.FactType{metrics.FactGitActivity, metrics.FactFileTouch}
}

// FactsSince walks commits newer than since, aggregating one
// git-activity fact per day and one file-touch fact per (day, file).
// A file's edit count is the number of commits touching it; line
// volume lands in the day's insertion and deletion totals.
func (s *Source) FactsSince(ctx context.Context, since time.Time) ([]metrics.Fact, error) {
	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, s.path)
	}

	iter, err := repo.Log(&git.LogOptions{Since: &since})
	if err != nil {
		// An empty repository has no HEAD to log from; that is an
		// empty delta, not a failure.
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading git log: %w", err)
	}
	defer iter.Close()

	days := make(map[string]*metrics.GitActivity)
	touches := make(map[string]map[string]*metrics.FileTouch)
	var dayOrder []string

	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		when := c.Committer.When.UTC()
		day := when.Format(store.DateFormat)

		activity := days[day]
		if activity == nil {
			activity = &metrics.GitActivity{}
			days[day] = activity
			touches[day] = make(map[string]*metrics.FileTouch)
			dayOrder = append(dayOrder, day)
		}
		activity.Commits++

		stats, err := c.Stats()
		if err != nil {
			// Merge and root commits can fail stat computation; the
			// commit still counts, its file detail is just lost.
			s.logger.Debug("commit stats unavailable",
				zap.String("hash", c.Hash.String()), zap.Error(err))
			return nil
		}
		for _, fs := range stats {
			activity.Insertions += fs.Addition
			activity.Deletions += fs.Deletion
			touch := touches[day][fs.Name]
			if touch == nil {
				touch = &metrics.FileTouch{Path: fs.Name}
				touches[day][fs.Name] = touch
			}
			touch.Edits++
			touch.Commits++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking commits: %w", err)
	}

	var out []metrics.Fact
	for _, day := range dayOrder {
		recorded, _ := time.Parse(store.DateFormat, day)
		recorded = recorded.Add(23 * time.Hour) // end-of-day stamp
		out = append(out, metrics.Fact{
			Date: day, Type: metrics.FactGitActivity,
			Git: days[day], RecordedAt: recorded,
		})
		for _, touch := range touches[day] {
			out = append(out, metrics.Fact{
				Date: day, Type: metrics.FactFileTouch,
				File: touch, RecordedAt: recorded,
			})
		}
	}
	s.logger.Debug("git facts collected",
		zap.Time("since", since), zap.Int("facts", len(out)))
	return out, nil
}
