package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/metrics"
)

const (
	DefaultQueueSize     = 1024
	DefaultFlushInterval = time.Second
	defaultBatchSize     = 256
	flushTimeout         = 5 * time.Second
)

type recordKind int

const (
	recordSessionStarted recordKind = iota
	recordSessionEnded
	recordScanProgress
	recordWaterfallRow
)

type record struct {
	kind     recordKind
	id       uuid.UUID
	purpose  string
	deviceID string
	config   any
	at       time.Time
	cause    error
	progress ScanProgress
	row      WaterfallRow
}

// WithJournalLogger sets the logger for the journal
func WithJournalLogger(logger *zap.Logger) func(j *Journal) {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithJournalMetrics sets the metrics for the journal
func WithJournalMetrics(m *metrics.Metrics) func(j *Journal) {
	return func(j *Journal) {
		j.metrics = m
	}
}

// WithQueueSize sets the number of records buffered before new ones are dropped
func WithQueueSize(n int) func(j *Journal) {
	return func(j *Journal) {
		j.queueSize = n
	}
}

// WithFlushInterval sets how often buffered rows are written
func WithFlushInterval(d time.Duration) func(j *Journal) {
	return func(j *Journal) {
		j.flushInterval = d
	}
}

// Journal writes records to a Store in the background. Recording never blocks:
// when the queue is full the record is dropped and counted.
type Journal struct {
	store         Store
	queue         chan record
	queueSize     int
	flushInterval time.Duration

	progress []ScanProgress
	rows     []WaterfallRow

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewJournal(store Store, options ...func(j *Journal)) *Journal {
	j := Journal{
		store:         store,
		queueSize:     DefaultQueueSize,
		flushInterval: DefaultFlushInterval,
		logger:        zap.NewNop(),
	}

	for _, option := range options {
		option(&j)
	}

	j.queue = make(chan record, j.queueSize)
	return &j
}

func (j *Journal) SessionStarted(id uuid.UUID, purpose, deviceID string, config any) {
	j.enqueue(record{kind: recordSessionStarted, id: id, purpose: purpose, deviceID: deviceID, config: config, at: time.Now()})
}

func (j *Journal) SessionEnded(id uuid.UUID, cause error) {
	j.enqueue(record{kind: recordSessionEnded, id: id, at: time.Now(), cause: cause})
}

func (j *Journal) RecordScanProgress(p ScanProgress) {
	j.enqueue(record{kind: recordScanProgress, progress: p})
}

func (j *Journal) RecordWaterfallRow(r WaterfallRow) {
	j.enqueue(record{kind: recordWaterfallRow, row: r})
}

func (j *Journal) enqueue(r record) {
	select {
	case j.queue <- r:
	default:
		j.metrics.JournalDropped()
		j.logger.Debug("journal queue full, record dropped")
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.drain()
			return nil

		case r := <-j.queue:
			j.handle(ctx, r)

		case <-ticker.C:
			j.flush(ctx)
		}
	}
}

func (j *Journal) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case r := <-j.queue:
			j.handle(ctx, r)
		default:
			j.flush(ctx)
			return
		}
	}
}

func (j *Journal) handle(ctx context.Context, r record) {
	switch r.kind {
	case recordSessionStarted:
		if err := j.store.CreateSession(ctx, r.id, r.purpose, r.deviceID, r.config); err != nil {
			j.logger.Error("failed to journal session start", zap.Stringer("session", r.id), zap.Error(err))
		}

	case recordSessionEnded:
		j.flush(ctx)
		if err := j.store.EndSession(ctx, r.id, r.at, r.cause); err != nil {
			j.logger.Error("failed to journal session end", zap.Stringer("session", r.id), zap.Error(err))
		}

	case recordScanProgress:
		j.progress = append(j.progress, r.progress)
		if len(j.progress) >= defaultBatchSize {
			j.flush(ctx)
		}

	case recordWaterfallRow:
		j.rows = append(j.rows, r.row)
		if len(j.rows) >= defaultBatchSize {
			j.flush(ctx)
		}
	}
}

func (j *Journal) flush(ctx context.Context) {
	if len(j.progress) > 0 {
		if err := j.store.StoreScanProgress(ctx, j.progress); err != nil {
			j.logger.Error("failed to journal scan progress", zap.Int("count", len(j.progress)), zap.Error(err))
		}
		j.progress = j.progress[:0]
	}

	if len(j.rows) > 0 {
		if err := j.store.StoreWaterfallRows(ctx, j.rows); err != nil {
			j.logger.Error("failed to journal waterfall rows", zap.Int("count", len(j.rows)), zap.Error(err))
		}
		j.rows = j.rows[:0]
	}
}
