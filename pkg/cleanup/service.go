// Package cleanup sweeps on-disk run state (workspaces/<sid>/,
// artifacts/<sid>/, metadata/<sid>/) and their database.Run rows once a
// run's retention window has elapsed, and reclaims orphaned workspace
// directories left behind by a crash between directory creation and the
// run's database row insert.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vulnforge/vulnforge/pkg/config"
	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// Service periodically enforces retention policy:
//   - Removes on-disk state and the database.Run row for runs that reached
//     a terminal status more than RunRetentionDays ago.
//   - Removes workspace directories with no matching database.Run row and
//     a modification time older than OrphanWorkspaceTTL.
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config *config.RetentionConfig
	layout store.Layout
	repo   *database.RunRepository

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service sweeping layout under repo's index.
func NewService(cfg *config.RetentionConfig, layout store.Layout, repo *database.RunRepository) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{config: cfg, layout: layout, repo: repo}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_retention_days", s.config.RunRetentionDays,
		"orphan_workspace_ttl", s.config.OrphanWorkspaceTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll runs one sweep pass immediately; exported so cmd/vulnforge can run
// a sweep at startup ahead of the first ticker fire.
func (s *Service) RunAll(ctx context.Context) {
	s.sweepExpiredRuns(ctx)
	s.sweepOrphanWorkspaces(ctx)
}

func (s *Service) sweepExpiredRuns(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RunRetentionDays)
	sids, err := s.repo.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: list terminal runs failed", "error", err)
		return
	}

	count := 0
	for _, sid := range sids {
		if err := s.purgeSID(sid); err != nil {
			slog.Error("Retention: purge run state failed", "sid", sid, "error", err)
			continue
		}
		if err := s.repo.Delete(ctx, sid); err != nil {
			slog.Error("Retention: delete run row failed", "sid", sid, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("Retention: purged expired runs", "count", count)
	}
}

func (s *Service) purgeSID(sid string) error {
	for _, dir := range []string{
		s.layout.WorkspacesDir(sid),
		s.layout.ArtifactsDir(sid),
		s.layout.MetadataDir(sid),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Service) sweepOrphanWorkspaces(ctx context.Context) {
	root := filepath.Join(s.layout.Root, "workspaces")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("Retention: read workspaces dir failed", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-s.config.OrphanWorkspaceTTL)
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sid := entry.Name()

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		exists, err := s.repo.Exists(ctx, sid)
		if err != nil {
			slog.Error("Retention: check run existence failed", "sid", sid, "error", err)
			continue
		}
		if exists {
			continue
		}

		dir := filepath.Join(root, sid)
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Retention: remove orphan workspace failed", "sid", sid, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("Retention: removed orphan workspaces", "count", count)
	}
}
