package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNoDatabase is returned by operations that need a MemoryDb when none is configured.
	ErrNoDatabase = errors.New("memory database not configured")
	// ErrUpdateInProgress is returned when UpdateMemory is called while another update runs.
	ErrUpdateInProgress = errors.New("memory update already in progress")
)

// MemoryDb persists user memories.
type MemoryDb interface {
	// Create creates the backing table if it does not exist.
	Create(ctx context.Context) error
	// MemoryExists reports whether a row with the same id is stored.
	MemoryExists(ctx context.Context, row MemoryRow) (bool, error)
	// ReadMemories returns rows for userID ordered by creation time. An empty
	// userID reads every user; limit <= 0 means no limit.
	ReadMemories(ctx context.Context, userID string, limit int, sort Sort) ([]MemoryRow, error)
	// UpsertMemory inserts or replaces a row, creating the table on first use.
	UpsertMemory(ctx context.Context, row MemoryRow) (MemoryRow, error)
	DeleteMemory(ctx context.Context, id string) error
	DropTable(ctx context.Context) error
	TableExists(ctx context.Context) (bool, error)
	// Clear deletes every row in the table.
	Clear(ctx context.Context) error
	Close() error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validateIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// DeleteUserMemories removes every memory of userID and returns how many were deleted.
func DeleteUserMemories(ctx context.Context, db MemoryDb, userID string) (int, error) {
	rows, err := db.ReadMemories(ctx, userID, 0, SortAsc)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		if err := db.DeleteMemory(ctx, row.ID); err != nil {
			return i, fmt.Errorf("failed to delete memory %s: %w", row.ID, err)
		}
	}
	return len(rows), nil
}
