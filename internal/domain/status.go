package domain

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusReadyForStage1   Status = "ready_for_stage1"
	StatusStage1InProgress Status = "stage1_in_progress"
	StatusReadyForStage2   Status = "ready_for_stage2"
	StatusStage2InProgress Status = "stage2_in_progress"
	StatusReadyForStage3   Status = "ready_for_stage3"
	StatusStage3InProgress Status = "stage3_in_progress"
	StatusComplete         Status = "complete"
	StatusStage1Failed     Status = "stage1_failed"
	StatusStage2Failed     Status = "stage2_failed"
	StatusStage3Failed     Status = "stage3_failed"
	StatusExpired          Status = "expired"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var allStatuses = []Status{
	StatusReadyForStage1,
	StatusStage1InProgress,
	StatusReadyForStage2,
	StatusStage2InProgress,
	StatusReadyForStage3,
	StatusStage3InProgress,
	StatusComplete,
	StatusStage1Failed,
	StatusStage2Failed,
	StatusStage3Failed,
	StatusExpired,
}

// forward lists every edge a stage worker or housekeeping may take.
var forward = map[Status][]Status{
	StatusReadyForStage1:   {StatusStage1InProgress, StatusExpired},
	StatusStage1InProgress: {StatusReadyForStage2, StatusStage1Failed, StatusExpired},
	StatusReadyForStage2:   {StatusStage2InProgress, StatusExpired},
	StatusStage2InProgress: {StatusReadyForStage3, StatusStage2Failed, StatusExpired},
	StatusReadyForStage3:   {StatusStage3InProgress, StatusExpired},
	StatusStage3InProgress: {StatusComplete, StatusStage3Failed, StatusExpired},
	StatusComplete:         nil,
	StatusStage1Failed:     nil,
	StatusStage2Failed:     nil,
	StatusStage3Failed:     nil,
	StatusExpired:          nil,
}

// resets lists the operator-only edges that return a record to its stage input.
var resets = map[Status]Status{
	StatusStage1Failed:     StatusReadyForStage1,
	StatusStage1InProgress: StatusReadyForStage1,
	StatusStage2Failed:     StatusReadyForStage2,
	StatusStage2InProgress: StatusReadyForStage2,
	StatusStage3Failed:     StatusReadyForStage3,
	StatusStage3InProgress: StatusReadyForStage3,
}

func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := forward[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := forward[s]
	return ok
}

// Terminal reports whether no stage worker will move the record on its own.
func (s Status) Terminal() bool {
	edges, ok := forward[s]
	return ok && len(edges) == 0
}

func (s Status) InProgress() bool {
	switch s {
	case StatusStage1InProgress, StatusStage2InProgress, StatusStage3InProgress:
		return true
	}
	return false
}

func (s Status) Failed() bool {
	switch s {
	case StatusStage1Failed, StatusStage2Failed, StatusStage3Failed:
		return true
	}
	return false
}

func CanTransition(from, to Status) bool {
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ResetTarget returns the status an operator reset moves s to.
func ResetTarget(s Status) (Status, bool) {
	to, ok := resets[s]
	return to, ok
}
