// Package storage persists agent sessions.
//
// An AgentSession carries the serialized AgentMemory of one conversation
// together with agent, user and session metadata. Three backends implement
// Storage: SqliteStorage, PostgresStorage and FileStorage (one JSON file per
// session). Pruner deletes sessions that have been idle longer than a TTL.
//
// Invariants:
// - Upsert is last-write-wins per session id.
// - CreatedAt is set on first write and never changes; UpdatedAt is bumped on every write.
// - Session ids are validated before touching disk or SQL.
// - Reads, upserts and deletes are observable via tracing and metrics.
//
// Usage:
//
//	st, _ := storage.NewSqliteStorage(storage.SqliteConfig{Path: "sessions.db"})
//	_ = st.Upsert(ctx, &storage.AgentSession{SessionID: id, AgentID: "default", Memory: mem.ToMap()})
//	sess, err := st.Read(ctx, id, "")
//	if errors.Is(err, storage.ErrSessionNotFound) {
//		// start fresh
//	}
package storage
