package server

import (
	"briefcast/internal/domain"
	"briefcast/internal/engine"
)

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

type WorkerHealthResponse struct {
	Status    string `json:"status" example:"healthy"`
	Component string `json:"component" example:"narrate-worker"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// WorkerRunResponse is the batch summary returned by a stage worker trigger.
type WorkerRunResponse struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processed_count"`
	FailedCount    int      `json:"failed_count"`
	SkippedCount   int      `json:"skipped_count"`
	Errors         []string `json:"errors"`
}

type CreateRecordRequest struct {
	ID         string         `json:"id,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Category   string         `json:"category" enum:"news,weather,markets,sports,holidays,quote"`
	TargetDate string         `json:"target_date" example:"2026-05-05"`
	Priority   *int           `json:"priority,omitempty"`
	Content    string         `json:"content,omitempty"`
	Variant    string         `json:"variant,omitempty" enum:"warm,energetic,concise"`
	ExpiresAt  string         `json:"expires_at,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (r CreateRecordRequest) newRecord() engine.NewRecord {
	return engine.NewRecord{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Category:   r.Category,
		TargetDate: r.TargetDate,
		Priority:   r.Priority,
		Content:    r.Content,
		Variant:    r.Variant,
		ExpiresAt:  r.ExpiresAt,
		Parameters: r.Parameters,
	}
}

type RecordList struct {
	Items []domain.ContentRecord `json:"items"`
}

type ExpireResponse struct {
	Expired int `json:"expired"`
}

type EventList struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func workerRunResponse(res engine.BatchResult) WorkerRunResponse {
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	return WorkerRunResponse{
		Success:        res.Success,
		ProcessedCount: res.ProcessedCount,
		FailedCount:    res.FailedCount,
		SkippedCount:   res.SkippedCount,
		Errors:         errs,
	}
}

func nonNilRecords(items []domain.ContentRecord) []domain.ContentRecord {
	if items == nil {
		return []domain.ContentRecord{}
	}
	return items
}
