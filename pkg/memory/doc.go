// Package memory holds an agent's conversational state: the runs and messages
// of the current session, durable facts ("memories") about the user, and an
// optional running summary of the session.
//
// AgentMemory is the in-process state. User memories are persisted through a
// MemoryDb (SQLite, PostgreSQL or in-memory). Three LLM-backed helpers keep
// them current: MemoryClassifier decides whether a message is worth
// remembering, MemoryManager edits memories through tool calls, and
// MemorySummarizer condenses the session into a SessionSummary.
//
// Invariants:
// - A MemoryRow id is the MD5 of its memory JSON and user id unless set explicitly.
// - UpdateMemory never runs twice concurrently on the same AgentMemory.
// - ToMap/FromMap round-trip runs, messages, summary and memories.
//
// Usage:
//
//	db, _ := memory.NewSqliteMemoryDb(memory.SqliteConfig{Path: "memory.db"})
//	mem := memory.NewAgentMemory(memory.Options{
//		DB:                 db,
//		UserID:             "ava",
//		CreateUserMemories: true,
//		Classifier:         memory.NewMemoryClassifier(client, "gpt-4o-mini"),
//		Manager:            memory.NewMemoryManager(client, "gpt-4o-mini"),
//	})
//	_ = mem.LoadUserMemories(ctx)
//	_, _ = mem.UpdateMemory(ctx, "I moved to Lisbon last spring", false)
package memory
