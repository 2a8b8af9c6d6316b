package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKnowledge struct {
	dirty   bool
	loadErr error
	loads   int
}

func (f *fakeKnowledge) IsDirty() bool { return f.dirty }

func (f *fakeKnowledge) Load(ctx context.Context, recreate bool) error {
	f.loads++
	if f.loadErr == nil {
		f.dirty = false
	}
	return f.loadErr
}

func TestSyncKnowledge(t *testing.T) {
	ctx := context.Background()

	t.Run("clean base is skipped", func(t *testing.T) {
		kb := &fakeKnowledge{}
		assert.ErrorIs(t, SyncKnowledge(kb)(ctx), ErrSkipped)
		assert.Equal(t, 0, kb.loads)
	})

	t.Run("dirty base is loaded", func(t *testing.T) {
		kb := &fakeKnowledge{dirty: true}
		assert.NoError(t, SyncKnowledge(kb)(ctx))
		assert.Equal(t, 1, kb.loads)
		assert.False(t, kb.dirty)
	})

	t.Run("concurrent sync is skipped", func(t *testing.T) {
		kb := &fakeKnowledge{dirty: true, loadErr: knowledge.ErrSyncInProgress}
		assert.ErrorIs(t, SyncKnowledge(kb)(ctx), ErrSkipped)
	})

	t.Run("load failure surfaces", func(t *testing.T) {
		kb := &fakeKnowledge{dirty: true, loadErr: errors.New("disk full")}
		assert.EqualError(t, SyncKnowledge(kb)(ctx), "disk full")
	})
}

func TestPruneSessions(t *testing.T) {
	ctx := context.Background()
	st, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	pruner := storage.NewPruner(st, storage.PrunerConfig{TTL: 10 * time.Millisecond})
	job := PruneSessions(pruner)

	assert.ErrorIs(t, job(ctx), ErrSkipped)

	require.NoError(t, st.Upsert(ctx, &storage.AgentSession{SessionID: "old"}))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, job(ctx))
	ids, err := st.GetAllSessionIDs(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRegisterMaintenance(t *testing.T) {
	st, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	s := New(Options{})
	defer stopScheduler(t, s)

	require.NoError(t, RegisterMaintenance(s, MaintenanceConfig{
		Pruner:    storage.NewPruner(st, storage.PrunerConfig{}),
		Knowledge: &fakeKnowledge{dirty: true},
	}))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobPruneSessions, jobs[0].Name)
	assert.Equal(t, DefaultPruneSchedule, jobs[0].Schedule)
	assert.Equal(t, JobSyncKnowledge, jobs[1].Name)
	assert.Equal(t, DefaultKnowledgeSyncSchedule, jobs[1].Schedule)

	require.NoError(t, s.RunNow(context.Background(), JobSyncKnowledge))
	job, _ := s.Job(JobSyncKnowledge)
	assert.Equal(t, StatusOK, job.State.LastStatus)

	require.NoError(t, s.RunNow(context.Background(), JobSyncKnowledge))
	job, _ = s.Job(JobSyncKnowledge)
	assert.Equal(t, StatusSkipped, job.State.LastStatus)
}

func TestRegisterMaintenance_Empty(t *testing.T) {
	s := New(Options{})
	defer stopScheduler(t, s)

	require.NoError(t, RegisterMaintenance(s, MaintenanceConfig{}))
	assert.Empty(t, s.Jobs())
}
