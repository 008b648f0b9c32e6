package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

// Session is a journaled consumer session.
type Session struct {
	ID        uuid.UUID
	Purpose   string
	DeviceID  string
	Config    *string
	StartTime time.Time
	EndTime   *time.Time
	Error     *string
}

// ScanProgress is one accepted scan position.
type ScanProgress struct {
	SessionID    uuid.UUID
	Timestamp    time.Time
	Cycle        int
	Fraction     *float64
	Frequency    *float64
	FreqsScanned int
}

// WaterfallRow is one rendered waterfall frame.
type WaterfallRow struct {
	SessionID uuid.UUID
	spectrum.Frame
}

type sessionData struct {
	ID        string
	Purpose   string
	DeviceID  string
	Config    sql.NullString
	StartTime time.Time
	EndTime   sql.NullTime
	Error     sql.NullString
}

func (d *sessionData) toSession() (*Session, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}

	s := Session{
		ID:        id,
		Purpose:   d.Purpose,
		DeviceID:  d.DeviceID,
		StartTime: d.StartTime,
	}
	if d.Config.Valid {
		s.Config = &d.Config.String
	}
	if d.EndTime.Valid {
		s.EndTime = &d.EndTime.Time
	}
	if d.Error.Valid {
		s.Error = &d.Error.String
	}
	return &s, nil
}
