package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruner_PruneNow(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Upsert(ctx, &AgentSession{SessionID: "stale"}))
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, st.Upsert(ctx, &AgentSession{SessionID: "fresh"}))

			p := NewPruner(st, PrunerConfig{TTL: 10 * time.Millisecond})
			fresh, err := st.Read(ctx, "fresh", "")
			require.NoError(t, err)
			p.now = func() time.Time { return fresh.UpdatedAt.Add(5 * time.Millisecond) }

			stats, err := p.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Total)
			assert.Equal(t, 1, stats.Eligible)

			deleted, err := p.PruneNow(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, deleted)

			ids, err := st.GetAllSessionIDs(ctx, "", "")
			require.NoError(t, err)
			assert.Equal(t, []string{"fresh"}, ids)
		})
	}
}

func TestPruner_ArchivesBeforeDelete(t *testing.T) {
	ctx := context.Background()
	st, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, &AgentSession{SessionID: "old", AgentID: "default"}))

	archiveDir := filepath.Join(t.TempDir(), "archive")
	p := NewPruner(st, PrunerConfig{TTL: time.Hour, ArchiveDir: archiveDir})
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	deleted, err := p.PruneNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	data, err := os.ReadFile(filepath.Join(archiveDir, "old.json"))
	require.NoError(t, err)
	var archived AgentSession
	require.NoError(t, json.Unmarshal(data, &archived))
	assert.Equal(t, "default", archived.AgentID)
}

func TestNewPruner_DefaultTTL(t *testing.T) {
	st, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTTL, NewPruner(st, PrunerConfig{}).TTL())
}
