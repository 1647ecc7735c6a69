package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StagePairDiscovered Stage = "PAIR_DISCOVERED"
	StagePairFailed     Stage = "PAIR_FAILED"
	StageUnitDone       Stage = "UNIT_DONE"
	StageUnitFailed     Stage = "UNIT_FAILED"
	StageUnitsSkipped   Stage = "UNITS_SKIPPED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one harvest milestone.
type Event struct {
	// RunID is the 16-byte UUID of the harvest run.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Source and Period scope pair and unit events.
	Source string
	Period int
	// Ordinal is the unit number for unit events.
	Ordinal int
	// Units is the planned unit count (PAIR_DISCOVERED) or the skipped count
	// (UNITS_SKIPPED).
	Units     int
	Estimated bool
	// Records is the number of records extracted (UNIT_DONE) or harvested (RUN_DONE).
	Records     int
	Bytes       int64
	Cause       string
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as an error message or plan reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StagePairDiscovered, StagePairFailed, StageUnitsSkipped:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageUnitDone, StageUnitFailed:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
		if e.Ordinal <= 0 {
			return fmt.Errorf("%s requires ordinal", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
