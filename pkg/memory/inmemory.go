package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryDb is a MemoryDb kept in process memory. Rows are lost on exit.
type InMemoryDb struct {
	mu      sync.RWMutex
	rows    map[string]memEntry
	seq     int64
	created bool
}

type memEntry struct {
	row MemoryRow
	seq int64
}

// NewInMemoryDb creates an empty in-memory database.
func NewInMemoryDb() *InMemoryDb {
	return &InMemoryDb{rows: make(map[string]memEntry)}
}

func (db *InMemoryDb) Create(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.created = true
	return nil
}

func (db *InMemoryDb) MemoryExists(ctx context.Context, row MemoryRow) (bool, error) {
	row.EnsureID()
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.rows[row.ID]
	return ok, nil
}

func (db *InMemoryDb) ReadMemories(ctx context.Context, userID string, limit int, order Sort) ([]MemoryRow, error) {
	db.mu.RLock()
	entries := make([]memEntry, 0, len(db.rows))
	for _, e := range db.rows {
		if userID == "" || e.row.UserID == userID {
			entries = append(entries, e)
		}
	}
	db.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if order == SortDesc {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].seq < entries[j].seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]MemoryRow, len(entries))
	for i, e := range entries {
		out[i] = e.row
	}
	return out, nil
}

func (db *InMemoryDb) UpsertMemory(ctx context.Context, row MemoryRow) (MemoryRow, error) {
	row.EnsureID()
	now := time.Now()

	db.mu.Lock()
	defer db.mu.Unlock()
	db.created = true

	if existing, ok := db.rows[row.ID]; ok {
		row.CreatedAt = existing.row.CreatedAt
		row.UpdatedAt = now
		db.rows[row.ID] = memEntry{row: row, seq: existing.seq}
		return row, nil
	}

	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	db.seq++
	db.rows[row.ID] = memEntry{row: row, seq: db.seq}
	return row, nil
}

func (db *InMemoryDb) DeleteMemory(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rows, id)
	return nil
}

func (db *InMemoryDb) DropTable(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows = make(map[string]memEntry)
	db.created = false
	return nil
}

func (db *InMemoryDb) TableExists(ctx context.Context) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.created, nil
}

func (db *InMemoryDb) Clear(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows = make(map[string]memEntry)
	return nil
}

func (db *InMemoryDb) Close() error { return nil }
