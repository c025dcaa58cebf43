package domain

// Event is one row of the append-only pipeline event log.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	EventType string         `json:"event_type"`
	Status    string         `json:"status" enum:"started,succeeded,failed,skipped,info"`
	Message   string         `json:"message"`
	RecordID  string         `json:"record_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

const (
	EventStatusStarted   = "started"
	EventStatusSucceeded = "succeeded"
	EventStatusFailed    = "failed"
	EventStatusSkipped   = "skipped"
	EventStatusInfo      = "info"
)

const (
	EventBatchStarted   = "batch.started"
	EventBatchCompleted = "batch.completed"
	EventBatchFailed    = "batch.failed"
	EventFanoutComplete = "fanout.completed"
	EventRecordCreated  = "record.created"
	EventRecordReset    = "record.reset"
	EventRecordExpired  = "record.expired"
)

// StageEventType builds "<stage>.<status>", e.g. "narrate.failed".
func StageEventType(stage Stage, status string) string {
	return string(stage) + "." + status
}
