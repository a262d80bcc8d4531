package job

import "github.com/ocrtools/ocrflow/internal/ocr"

// EventKind classifies a progress event.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// Event is one entry in a job's progress stream. Error events carry the unit
// that failed; the complete event carries the merged result.
type Event struct {
	Kind    EventKind
	Message string
	Unit    string
	Err     error
	Result  *ocr.Result
}

// The event channel is a notification surface, not the source of truth: the
// job must run to completion whether or not anyone drains it, so sends never
// block. Run's return values remain authoritative.
func (j *Job) emit(e Event) {
	select {
	case j.events <- e:
	default:
	}
}

func (j *Job) status(msg string) {
	j.log.Info(msg)
	j.emit(Event{Kind: EventStatus, Message: msg})
}

func (j *Job) unitFailed(unitID string, err error, msg string) {
	j.log.Error(msg, "unit", unitID, "error", err)
	j.emit(Event{Kind: EventError, Message: msg, Unit: unitID, Err: err})
}

func (j *Job) complete(res ocr.Result) {
	j.emit(Event{Kind: EventComplete, Result: &res})
}
