package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultSessionTTL is used when a Pruner is created without a TTL.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Pruner deletes sessions idle for longer than a TTL. When ArchiveDir is set
// each session is written there as JSON before it is deleted.
type Pruner struct {
	storage    Storage
	ttl        time.Duration
	archiveDir string
	now        func() time.Time
	logger     zerolog.Logger
}

// PrunerConfig holds Pruner configuration
type PrunerConfig struct {
	TTL        time.Duration
	ArchiveDir string
}

// PruneStats describes what a prune would do.
type PruneStats struct {
	Total    int           `json:"total_sessions"`
	Eligible int           `json:"eligible_for_pruning"`
	TTL      time.Duration `json:"ttl"`
}

// NewPruner creates a pruner over storage.
func NewPruner(storage Storage, cfg PrunerConfig) *Pruner {
	observability.EnsureRegistered()

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Pruner{
		storage:    storage,
		ttl:        ttl,
		archiveDir: cfg.ArchiveDir,
		now:        time.Now,
		logger:     log.Logger.With().Str("component", "storage.pruner").Logger(),
	}
}

// TTL returns the idle time after which sessions are pruned.
func (p *Pruner) TTL() time.Duration { return p.ttl }

// PruneNow deletes every expired session and returns how many were deleted.
// A failure on one session does not stop the others.
func (p *Pruner) PruneNow(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.prune",
		attribute.String("ttl", p.ttl.String()))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	sessions, err := p.storage.GetAllSessions(ctx, "", "")
	if err != nil {
		return 0, tracing.Fail(span, fmt.Errorf("failed to list sessions: %w", err))
	}

	cutoff := p.now().Add(-p.ttl)
	deleted := 0
	var errs []error

	for _, sess := range sessions {
		if !sess.LastActive().Before(cutoff) {
			continue
		}
		if p.archiveDir != "" {
			if err := p.archive(sess); err != nil {
				logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("Failed to archive session, keeping it")
				errs = append(errs, err)
				continue
			}
		}
		if err := p.storage.DeleteSession(ctx, sess.SessionID); err != nil {
			logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("Failed to delete session")
			observability.RecordSessionAudit(ctx, "prune", sess.SessionID, "failure", nil)
			errs = append(errs, err)
			continue
		}
		deleted++
		observability.RecordSessionAudit(ctx, "prune", sess.SessionID, "success", map[string]interface{}{
			"last_active": sess.LastActive(),
		})
		logger.Debug().
			Str("session_id", sess.SessionID).
			Dur("age", p.now().Sub(sess.LastActive())).
			Msg("Session pruned")
	}

	observability.RecordSessionsPruned(deleted)
	span.SetAttributes(attribute.Int("deleted", deleted))
	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("Pruned idle sessions")
	}
	if len(errs) > 0 {
		return deleted, tracing.Fail(span, errors.Join(errs...))
	}
	return deleted, nil
}

func (p *Pruner) archive(sess *AgentSession) error {
	if err := os.MkdirAll(p.archiveDir, 0700); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	path := filepath.Join(p.archiveDir, sess.SessionID+sessionExt)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}

// Stats reports how many sessions exist and how many are past the TTL.
func (p *Pruner) Stats(ctx context.Context) (PruneStats, error) {
	sessions, err := p.storage.GetAllSessions(ctx, "", "")
	if err != nil {
		return PruneStats{}, fmt.Errorf("failed to list sessions: %w", err)
	}
	cutoff := p.now().Add(-p.ttl)
	stats := PruneStats{Total: len(sessions), TTL: p.ttl}
	for _, sess := range sessions {
		if sess.LastActive().Before(cutoff) {
			stats.Eligible++
		}
	}
	return stats, nil
}
