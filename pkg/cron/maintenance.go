package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/storage"
)

// Maintenance job names
const (
	JobPruneSessions = "prune_sessions"
	JobSyncKnowledge = "sync_knowledge"
)

// Default schedules
const (
	DefaultPruneSchedule         = "0 3 * * *"
	DefaultKnowledgeSyncSchedule = "*/15 * * * *"
)

// KnowledgeSyncer is the part of knowledge.Base the sync job needs.
type KnowledgeSyncer interface {
	IsDirty() bool
	Load(ctx context.Context, recreate bool) error
}

// PruneSessions deletes sessions that outlived the pruner's TTL.
func PruneSessions(pruner *storage.Pruner) JobFunc {
	return func(ctx context.Context) error {
		deleted, err := pruner.PruneNow(ctx)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return ErrSkipped
		}
		return nil
	}
}

// SyncKnowledge reindexes the knowledge base when it has pending changes.
func SyncKnowledge(kb KnowledgeSyncer) JobFunc {
	return func(ctx context.Context) error {
		if !kb.IsDirty() {
			return ErrSkipped
		}
		err := kb.Load(ctx, false)
		if errors.Is(err, knowledge.ErrSyncInProgress) {
			return ErrSkipped
		}
		return err
	}
}

// MaintenanceConfig selects which maintenance jobs to register. Nil
// components are left out.
type MaintenanceConfig struct {
	Pruner                *storage.Pruner
	Knowledge             KnowledgeSyncer
	PruneSchedule         string
	KnowledgeSyncSchedule string
}

// RegisterMaintenance registers the built-in maintenance jobs.
func RegisterMaintenance(s *Scheduler, cfg MaintenanceConfig) error {
	if cfg.Pruner != nil {
		spec := cfg.PruneSchedule
		if spec == "" {
			spec = DefaultPruneSchedule
		}
		if err := s.Register(JobPruneSessions, spec, PruneSessions(cfg.Pruner)); err != nil {
			return fmt.Errorf("failed to register session pruning: %w", err)
		}
	}
	if cfg.Knowledge != nil {
		spec := cfg.KnowledgeSyncSchedule
		if spec == "" {
			spec = DefaultKnowledgeSyncSchedule
		}
		if err := s.Register(JobSyncKnowledge, spec, SyncKnowledge(cfg.Knowledge)); err != nil {
			return fmt.Errorf("failed to register knowledge sync: %w", err)
		}
	}
	return nil
}
