package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/metrics"
)

// Purpose identifies which consumer holds the device.
type Purpose string

const (
	PurposeScan      Purpose = "scan"
	PurposeListen    Purpose = "listen"
	PurposeWaterfall Purpose = "waterfall"
)

var (
	// ErrDeviceBusy is returned when another consumer holds the device claim
	ErrDeviceBusy = errors.New("device busy")

	// ErrInvalidClaim is returned for an empty device id or purpose
	ErrInvalidClaim = errors.New("invalid device claim")
)

// BusyError carries the current holder of a contended device.
type BusyError struct {
	Holder Claim
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device %s is held by %s since %s", e.Holder.DeviceID, e.Holder.Purpose, e.Holder.Since.Format(time.TimeOnly))
}

func (e *BusyError) Is(target error) bool {
	return target == ErrDeviceBusy
}

// Reserver arbitrates the shared hardware device between consumers.
// Release must be idempotent: releasing a purpose that holds nothing is not an error.
type Reserver interface {
	Reserve(ctx context.Context, deviceID string, purpose Purpose) error
	Release(ctx context.Context, purpose Purpose) error
}

// Claim is the current holder of the device slot.
type Claim struct {
	ID       uuid.UUID `json:"id"`
	DeviceID string    `json:"deviceID"`
	Purpose  Purpose   `json:"purpose"`
	Since    time.Time `json:"since"`
}

// WithLogger sets the logger for the registry
func WithLogger(logger *zap.Logger) func(r *Registry) {
	return func(r *Registry) {
		r.logger = logger.With(zap.String("component", "device"))
	}
}

// WithMetrics sets the metrics sink for the registry
func WithMetrics(m *metrics.Metrics) func(r *Registry) {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry is a single-slot claim registry. At most one consumer holds the
// device at any time; claim and release are compare-and-swap on the slot.
type Registry struct {
	slot atomic.Pointer[Claim]

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry with a no-op logger
func NewRegistry(options ...func(r *Registry)) *Registry {
	r := Registry{logger: zap.NewNop()}
	for _, option := range options {
		option(&r)
	}
	return &r
}

// Reserve claims the device for purpose. Reserving again for the purpose that
// already holds the slot succeeds and keeps the existing claim.
func (r *Registry) Reserve(_ context.Context, deviceID string, purpose Purpose) error {
	if deviceID == "" || purpose == "" {
		return ErrInvalidClaim
	}

	claim := &Claim{
		ID:       uuid.New(),
		DeviceID: deviceID,
		Purpose:  purpose,
		Since:    time.Now(),
	}

	for {
		if r.slot.CompareAndSwap(nil, claim) {
			r.logger.Debug("device claimed",
				zap.String("device", deviceID),
				zap.String("purpose", string(purpose)),
				zap.Stringer("claim", claim.ID))
			r.metrics.DeviceClaim(string(purpose), "claimed")
			return nil
		}

		current := r.slot.Load()
		if current == nil {
			continue // released between CAS and Load
		}
		if current.Purpose == purpose && current.DeviceID == deviceID {
			return nil
		}

		r.metrics.DeviceClaim(string(purpose), "busy")
		return &BusyError{Holder: *current}
	}
}

// Release frees the slot if purpose holds it.
func (r *Registry) Release(_ context.Context, purpose Purpose) error {
	for {
		current := r.slot.Load()
		if current == nil || current.Purpose != purpose {
			return nil
		}
		if r.slot.CompareAndSwap(current, nil) {
			r.logger.Debug("device released",
				zap.String("device", current.DeviceID),
				zap.String("purpose", string(purpose)),
				zap.Duration("held", time.Since(current.Since)))
			r.metrics.DeviceClaim(string(purpose), "released")
			return nil
		}
	}
}

// Holder returns the current claim, if any.
func (r *Registry) Holder() (Claim, bool) {
	current := r.slot.Load()
	if current == nil {
		return Claim{}, false
	}
	return *current, true
}
