package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	answer bool
	err    error
	calls  int
}

func (s *stubClassifier) ShouldUpdate(ctx context.Context, input string, existing []Memory) (bool, error) {
	s.calls++
	return s.answer, s.err
}

type stubManager struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	started chan struct{}
}

func (s *stubManager) Run(ctx context.Context, db MemoryDb, userID string, existing []Memory, input string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.started != nil {
		close(s.started)
	}
	if s.block != nil {
		<-s.block
	}
	_, err := db.UpsertMemory(ctx, NewMemoryRow(userID, Memory{Memory: input}))
	return "added", err
}

type stubSummarizer struct {
	pairs []MessagePair
}

func (s *stubSummarizer) Summarize(ctx context.Context, pairs []MessagePair) (*SessionSummary, error) {
	s.pairs = pairs
	return &SessionSummary{Summary: "talked about tea", Topics: []string{"tea"}}, nil
}

func runWith(user, assistant string) AgentRun {
	userMsg := llm.Message{Role: llm.RoleUser, Content: user}
	return AgentRun{
		Message: &userMsg,
		Response: &RunResponse{
			RunID:   user,
			Content: assistant,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "sys"},
				userMsg,
				{Role: llm.RoleAssistant, Content: "thinking", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_chat_history"}}},
				{Role: llm.RoleTool, Content: "[]", ToolCallID: "c1"},
				{Role: llm.RoleAssistant, Content: assistant},
			},
		},
	}
}

func TestAgentMemory_AddSystemMessage(t *testing.T) {
	m := NewAgentMemory(DefaultOptions())

	m.AddSystemMessage(llm.Message{Role: llm.RoleSystem, Content: "v1"}, "")
	m.AddSystemMessage(llm.Message{Role: llm.RoleSystem, Content: "v2"}, "")
	require.Len(t, m.GetMessages(), 1)
	assert.Equal(t, "v1", m.GetMessages()[0].Content)

	m.UpdateSystemMessageOnChange = true
	m.AddMessage(llm.Message{Role: llm.RoleUser, Content: "hi"})
	m.AddSystemMessage(llm.Message{Role: llm.RoleSystem, Content: "v2"}, llm.RoleSystem)

	msgs := m.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "v2", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestAgentMemory_GetMessagesFromLastNRuns(t *testing.T) {
	m := NewAgentMemory(DefaultOptions())
	m.AddRun(runWith("one", "1"))
	m.AddRun(runWith("two", "2"))
	m.AddRun(runWith("three", "3"))

	msgs := m.GetMessagesFromLastNRuns(2, llm.RoleSystem)
	require.Len(t, msgs, 8)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "3", msgs[7].Content)

	assert.Len(t, m.GetMessagesFromLastNRuns(0, ""), 15)
	assert.Len(t, m.GetMessagesFromLastNRuns(10, ""), 15)
}

func TestAgentMemory_GetMessagePairs(t *testing.T) {
	m := NewAgentMemory(DefaultOptions())
	m.AddRun(runWith("one", "1"))
	m.AddRun(AgentRun{Response: &RunResponse{Messages: []llm.Message{{Role: llm.RoleUser, Content: "orphan"}}}})
	m.AddRun(AgentRun{})
	m.AddRun(runWith("two", "2"))

	pairs := m.GetMessagePairs("", nil)
	require.Len(t, pairs, 2)
	assert.Equal(t, "one", pairs[0].User.Content)
	assert.Equal(t, "1", pairs[0].Assistant.Content)
	assert.Equal(t, "2", pairs[1].Assistant.Content)
}

func TestAgentMemory_GetToolCalls(t *testing.T) {
	m := NewAgentMemory(DefaultOptions())
	m.AddMessages([]llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "a"}, {ID: "b"}}},
		{Role: llm.RoleTool, Content: "ok"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c"}}},
	})

	calls := m.GetToolCalls(0)
	require.Len(t, calls, 3)
	assert.Equal(t, "c", calls[0].ID)
	assert.Equal(t, "a", calls[1].ID)

	calls = m.GetToolCalls(2)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"c", "a"}, []string{calls[0].ID, calls[1].ID})
}

func TestAgentMemory_LoadUserMemories(t *testing.T) {
	ctx := context.Background()
	db := NewInMemoryDb()
	for _, text := range []string{"m1", "m2", "m3", "m4"} {
		_, err := db.UpsertMemory(ctx, NewMemoryRow("ava", Memory{Memory: text}))
		require.NoError(t, err)
	}

	texts := func(ms []Memory) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.Memory
		}
		return out
	}

	tests := []struct {
		retrieval Retrieval
		n         int
		want      []string
	}{
		{RetrievalLastN, 2, []string{"m3", "m4"}},
		{RetrievalFirstN, 2, []string{"m1", "m2"}},
		{RetrievalAll, 2, []string{"m1", "m2", "m3", "m4"}},
		{RetrievalLastN, 0, []string{"m1", "m2", "m3", "m4"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.retrieval), func(t *testing.T) {
			opts := DefaultOptions()
			opts.DB = db
			opts.UserID = "ava"
			opts.Retrieval = tt.retrieval
			opts.NumMemories = tt.n
			m := NewAgentMemory(opts)

			require.NoError(t, m.LoadUserMemories(ctx))
			assert.True(t, m.MemoriesLoaded())
			assert.Equal(t, tt.want, texts(m.Memories()))
		})
	}

	assert.ErrorIs(t, NewAgentMemory(DefaultOptions()).LoadUserMemories(ctx), ErrNoDatabase)
}

func TestAgentMemory_UpdateMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("empty input is a no-op", func(t *testing.T) {
		m := NewAgentMemory(DefaultOptions())
		reply, err := m.UpdateMemory(ctx, "", true)
		require.NoError(t, err)
		assert.Empty(t, reply)
	})

	t.Run("no database", func(t *testing.T) {
		m := NewAgentMemory(DefaultOptions())
		_, err := m.UpdateMemory(ctx, "I like tea", true)
		assert.ErrorIs(t, err, ErrNoDatabase)
	})

	t.Run("classifier says no", func(t *testing.T) {
		classifier := &stubClassifier{answer: false}
		manager := &stubManager{}
		opts := DefaultOptions()
		opts.DB = NewInMemoryDb()
		opts.Classifier = classifier
		opts.Manager = manager
		m := NewAgentMemory(opts)

		reply, err := m.UpdateMemory(ctx, "what time is it", false)
		require.NoError(t, err)
		assert.Empty(t, reply)
		assert.Equal(t, 1, classifier.calls)
		assert.Equal(t, 0, manager.calls)
	})

	t.Run("classifier error", func(t *testing.T) {
		opts := DefaultOptions()
		opts.DB = NewInMemoryDb()
		opts.Classifier = &stubClassifier{err: errors.New("down")}
		opts.Manager = &stubManager{}
		_, err := NewAgentMemory(opts).UpdateMemory(ctx, "I like tea", false)
		assert.Error(t, err)
	})

	t.Run("updates and reloads", func(t *testing.T) {
		opts := DefaultOptions()
		opts.DB = NewInMemoryDb()
		opts.UserID = "ava"
		opts.Classifier = &stubClassifier{answer: true}
		opts.Manager = &stubManager{}
		m := NewAgentMemory(opts)

		reply, err := m.UpdateMemory(ctx, "I like tea", false)
		require.NoError(t, err)
		assert.Equal(t, "added", reply)
		require.Len(t, m.Memories(), 1)
		assert.Equal(t, "I like tea", m.Memories()[0].Memory)
		assert.False(t, m.IsUpdating())
	})

	t.Run("force skips classifier", func(t *testing.T) {
		classifier := &stubClassifier{answer: false}
		opts := DefaultOptions()
		opts.DB = NewInMemoryDb()
		opts.Classifier = classifier
		opts.Manager = &stubManager{}
		m := NewAgentMemory(opts)

		reply, err := m.UpdateMemory(ctx, "remember this", true)
		require.NoError(t, err)
		assert.Equal(t, "added", reply)
		assert.Equal(t, 0, classifier.calls)
	})
}

func TestAgentMemory_UpdateMemoryRejectsConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	manager := &stubManager{block: make(chan struct{}), started: make(chan struct{})}
	opts := DefaultOptions()
	opts.DB = NewInMemoryDb()
	opts.Manager = manager
	m := NewAgentMemory(opts)

	done := make(chan error, 1)
	go func() {
		_, err := m.UpdateMemory(ctx, "first", true)
		done <- err
	}()

	select {
	case <-manager.started:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never started")
	}
	assert.True(t, m.IsUpdating())

	_, err := m.UpdateMemory(ctx, "second", true)
	assert.ErrorIs(t, err, ErrUpdateInProgress)

	close(manager.block)
	require.NoError(t, <-done)
	assert.False(t, m.IsUpdating())
}

func TestAgentMemory_UpdateSummary(t *testing.T) {
	ctx := context.Background()
	summarizer := &stubSummarizer{}
	opts := DefaultOptions()
	opts.Summarizer = summarizer
	m := NewAgentMemory(opts)

	summary, err := m.UpdateSummary(ctx)
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Nil(t, summarizer.pairs)

	m.AddRun(runWith("do you like tea?", "I do"))
	summary, err = m.UpdateSummary(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "talked about tea", summary.Summary)
	assert.Len(t, summarizer.pairs, 1)
	assert.Equal(t, summary, m.Summary())

	_, err = NewAgentMemory(DefaultOptions()).UpdateSummary(ctx)
	assert.Error(t, err)
}

func TestAgentMemory_ToMapFromMapRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := NewInMemoryDb()
	_, err := db.UpsertMemory(ctx, NewMemoryRow("ava", Memory{Memory: "likes tea"}))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.DB = db
	opts.UserID = "ava"
	src := NewAgentMemory(opts)
	src.AddRun(runWith("hello", "hi"))
	src.AddMessages([]llm.Message{{Role: llm.RoleUser, Content: "hello", CreatedAt: 42}})
	src.SetSummary(&SessionSummary{Summary: "greetings", Topics: []string{"small talk"}})
	require.NoError(t, src.LoadUserMemories(ctx))

	dst := NewAgentMemory(DefaultOptions())
	require.NoError(t, dst.FromMap(src.ToMap()))

	if diff := cmp.Diff(src.Runs(), dst.Runs(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.GetMessages(), dst.GetMessages(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, src.Summary(), dst.Summary())
	assert.Equal(t, src.Memories(), dst.Memories())

	require.NoError(t, dst.FromMap(nil))
	assert.Len(t, dst.Runs(), 1)
}

func TestAgentMemory_SnapshotIsIndependent(t *testing.T) {
	m := NewAgentMemory(DefaultOptions())
	m.AddRun(runWith("one", "1"))
	m.SetSummary(&SessionSummary{Summary: "s", Topics: []string{"a"}})

	snap := m.Snapshot()
	m.AddRun(runWith("two", "2"))
	m.Clear()

	assert.Len(t, snap.Runs(), 1)
	assert.Equal(t, "s", snap.Summary().Summary)
	assert.Empty(t, m.Runs())
	assert.Nil(t, m.Summary())

	runs := snap.Runs()
	runs[0].Response.Messages[0].Content = "mutated"
	assert.Equal(t, "sys", snap.Runs()[0].Response.Messages[0].Content)
}
