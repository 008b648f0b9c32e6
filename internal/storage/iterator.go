package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

// ReaderOption configures a RowIterator with filtering criteria.
type ReaderOption func(*RowIterator)

// WithStartTime excludes rows captured before t.
func WithStartTime(t time.Time) ReaderOption {
	return func(r *RowIterator) {
		r.startTime = &t
	}
}

// WithEndTime excludes rows captured after t.
func WithEndTime(t time.Time) ReaderOption {
	return func(r *RowIterator) {
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *RowIterator) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// WithLimit bounds the number of rows returned. The most recent rows are kept.
func WithLimit(n int) ReaderOption {
	return func(r *RowIterator) {
		r.limit = n
	}
}

// RowIterator iterates over stored waterfall rows.
type RowIterator struct {
	sessionID uuid.UUID
	startTime *time.Time
	endTime   *time.Time
	limit     int

	rows    *sql.Rows
	current spectrum.Frame
	err     error
}

func newRowIterator(ctx context.Context, db *sql.DB, sessionID uuid.UUID, opts ...ReaderOption) (*RowIterator, error) {
	it := &RowIterator{sessionID: sessionID}
	for _, opt := range opts {
		opt(it)
	}

	query, args := it.query()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying waterfall rows: %w", err)
	}
	it.rows = rows
	return it, nil
}

func (it *RowIterator) query() (string, []any) {
	var sb strings.Builder
	args := []any{it.sessionID.String()}

	sb.WriteString(selectWaterfallRowsSQL)
	if it.startTime != nil {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, it.startTime.UTC())
	}
	if it.endTime != nil {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, it.endTime.UTC())
	}

	if it.limit <= 0 {
		sb.WriteString(" ORDER BY timestamp, id")
		return sb.String(), args
	}

	// newest N rows, returned oldest first
	inner := sb.String()
	inner = strings.Replace(inner, "SELECT timestamp,", "SELECT id, timestamp,", 1)
	args = append(args, it.limit)
	return fmt.Sprintf(`
SELECT timestamp, start_frequency, end_frequency, bins
FROM (%s ORDER BY timestamp DESC, id DESC LIMIT ?)
ORDER BY timestamp, id`, inner), args
}

// Next advances the iterator. It returns false at the end of the data or on error.
func (it *RowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		if it.err == nil {
			it.err = it.rows.Err()
		}
		return false
	}

	var frame spectrum.Frame
	if err := it.rows.Scan(&frame.Timestamp, &frame.StartFrequency, &frame.EndFrequency, &frame.Bins); err != nil {
		it.err = fmt.Errorf("scanning waterfall row: %w", err)
		return false
	}
	it.current = frame
	return true
}

// Current returns the row read by the last successful call to Next.
func (it *RowIterator) Current() spectrum.Frame {
	return it.current
}

func (it *RowIterator) Err() error {
	return it.err
}

func (it *RowIterator) Close() error {
	return it.rows.Close()
}
