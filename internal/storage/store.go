package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store journals consumer sessions, accepted scan progress and waterfall rows.
type Store interface {
	// CreateSession records the start of a session. config may be a string,
	// []byte or any JSON-serializable value.
	CreateSession(ctx context.Context, id uuid.UUID, purpose, deviceID string, config any) error

	// EndSession records how a session ended. A nil cause is a clean stop.
	EndSession(ctx context.Context, id uuid.UUID, endTime time.Time, cause error) error

	Session(ctx context.Context, id uuid.UUID) (*Session, error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) ([]*Session, error)

	StoreScanProgress(ctx context.Context, progress []ScanProgress) error

	// StoreWaterfallRows saves rows in a single transaction.
	StoreWaterfallRows(ctx context.Context, rows []WaterfallRow) error

	// Close releases all database connections. It is safe to call more than once.
	Close() error
}
