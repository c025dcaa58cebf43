package domain

import (
	"fmt"
	"strings"
)

type Stage string

const (
	StageShape      Stage = "shape"
	StageNarrate    Stage = "narrate"
	StageSynthesize Stage = "synthesize"
)

// StageDef binds a stage to its slice of the status machine.
type StageDef struct {
	Stage      Stage
	Number     int
	Input      Status
	InProgress Status
	Success    Status
	Failed     Status
	// CompletedColumn names the stage-completion timestamp column.
	CompletedColumn string
}

var stageDefs = []StageDef{
	{
		Stage:           StageShape,
		Number:          1,
		Input:           StatusReadyForStage1,
		InProgress:      StatusStage1InProgress,
		Success:         StatusReadyForStage2,
		Failed:          StatusStage1Failed,
		CompletedColumn: "shaped_at",
	},
	{
		Stage:           StageNarrate,
		Number:          2,
		Input:           StatusReadyForStage2,
		InProgress:      StatusStage2InProgress,
		Success:         StatusReadyForStage3,
		Failed:          StatusStage2Failed,
		CompletedColumn: "narrated_at",
	},
	{
		Stage:           StageSynthesize,
		Number:          3,
		Input:           StatusReadyForStage3,
		InProgress:      StatusStage3InProgress,
		Success:         StatusComplete,
		Failed:          StatusStage3Failed,
		CompletedColumn: "synthesized_at",
	},
}

func Stages() []StageDef {
	out := make([]StageDef, len(stageDefs))
	copy(out, stageDefs)
	return out
}

func LookupStage(name string) (StageDef, error) {
	key := Stage(strings.ToLower(strings.TrimSpace(name)))
	for _, def := range stageDefs {
		if def.Stage == key || fmt.Sprintf("stage%d", def.Number) == string(key) {
			return def, nil
		}
	}
	return StageDef{}, fmt.Errorf("unknown stage %q", name)
}

// StageOf returns the stage whose input, in-progress, or failure status is s.
func StageOf(s Status) (StageDef, bool) {
	for _, def := range stageDefs {
		if s == def.Input || s == def.InProgress || s == def.Failed {
			return def, true
		}
	}
	return StageDef{}, false
}

func (d StageDef) Component() string {
	return string(d.Stage) + "-worker"
}
