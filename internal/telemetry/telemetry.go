package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType is the kind of telemetry event pushed by the backend.
type EventType string

const (
	EventFreqChange  EventType = "freq_change"
	EventSignalFound EventType = "signal_found"
	EventSignalLost  EventType = "signal_lost"
	EventLog         EventType = "log"
	EventSpectrum    EventType = "spectrum"
	EventStatus      EventType = "status"
)

const (
	// LogScanCycle is the log subtype marking the start of a new sweep cycle.
	LogScanCycle = "scan_cycle"

	// LogError is the log subtype of a decoder or stream failure reported by the backend.
	LogError = "error"
)

var ErrUnknownEvent = errors.New("unknown telemetry event")

// Event is a JSON telemetry sample. Every numeric field is optional.
type Event struct {
	Type      EventType `json:"type"`
	Frequency *float64  `json:"frequency,omitempty"` // Hz
	Progress  *float64  `json:"progress,omitempty"`  // Sweep fraction in [0,1]
	Level     *float64  `json:"level,omitempty"`
	LogType   string    `json:"log_type,omitempty"` // Subtype of a log event, e.g. scan_cycle
	Message   string    `json:"message,omitempty"`

	// Authoritative range reported by the backend, Hz
	RangeStart *float64 `json:"range_start,omitempty"`
	RangeEnd   *float64 `json:"range_end,omitempty"`
	RangeStep  *float64 `json:"range_step,omitempty"`

	// Raw magnitudes of a spectrum event delivered over the fallback stream
	Bins  []float64 `json:"bins,omitempty"`
	Start *float64  `json:"start,omitempty"`
	End   *float64  `json:"end,omitempty"`

	Running *bool `json:"running,omitempty"`
}

// DecodeEvent parses a JSON telemetry event. Unknown types are reported with ErrUnknownEvent
// so callers can drop them without treating the payload as malformed.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding telemetry event: %w", err)
	}

	switch ev.Type {
	case EventFreqChange, EventSignalFound, EventSignalLost, EventLog, EventSpectrum, EventStatus:
		return &ev, nil
	default:
		return &ev, fmt.Errorf("%w: '%s'", ErrUnknownEvent, ev.Type)
	}
}

// IsScanCycle reports whether the event marks an authoritative cycle boundary.
// Backends send it either as a log subtype or inline in the message.
func (e *Event) IsScanCycle() bool {
	if e.Type != EventLog {
		return false
	}
	return e.LogType == LogScanCycle || strings.HasPrefix(e.Message, LogScanCycle)
}

// IsError reports whether the backend reported a decoder or stream failure.
func (e *Event) IsError() bool {
	return e.Type == EventLog && e.LogType == LogError
}

// IsStateSample reports whether data holds a state sample that stays valid
// until the next one: a frequency change or a status reply, which may carry no
// type. One-shot events such as log, signal and spectrum are not.
func IsStateSample(data []byte) bool {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	switch head.Type {
	case EventFreqChange, EventStatus, "":
		return true
	default:
		return false
	}
}

// HasRange reports whether the event carries an authoritative scan range.
func (e *Event) HasRange() bool {
	return e.RangeStart != nil && e.RangeEnd != nil
}

// Command is the verb of a duplex control message.
type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	CommandTune  Command = "tune"
)

// Control is a message sent to the backend over the duplex channel.
type Control struct {
	Cmd        Command `json:"cmd"`
	Frequency  float64 `json:"frequency,omitempty"`
	Modulation string  `json:"modulation,omitempty"`
	Gain       float64 `json:"gain,omitempty"`
	Squelch    int     `json:"squelch,omitempty"`
	Device     string  `json:"device,omitempty"`
	StartFreq  float64 `json:"start_freq,omitempty"`
	EndFreq    float64 `json:"end_freq,omitempty"`
	Step       float64 `json:"step,omitempty"`
}

// AckStatus is the status reported in a backend acknowledgement.
type AckStatus string

const (
	AckStarted AckStatus = "started"
	AckStopped AckStatus = "stopped"
	AckError   AckStatus = "error"
)

// Ack is the backend acknowledgement of a control message.
type Ack struct {
	Status  AckStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// DecodeAck parses an acknowledgement. ok is false when the payload is not an ack,
// which lets a single read loop multiplex acks and telemetry.
func DecodeAck(data []byte) (ack Ack, ok bool) {
	var probe struct {
		Status *AckStatus `json:"status"`
		Type   string     `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Status == nil || probe.Type != "" {
		return Ack{}, false
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return Ack{}, false
	}
	return ack, true
}
