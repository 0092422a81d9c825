package model

import "time"

// RunStatus is the overall outcome of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// StageStatus is the outcome of a single pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult records one pipeline stage's outcome.
type StageResult struct {
	Name     string      `json:"name"`
	Status   StageStatus `json:"status"`
	Duration int64       `json:"duration_ms"`
	Error    string      `json:"error,omitempty"`
}

// RunCounts summarizes what a run touched.
type RunCounts struct {
	Scanned          int `json:"scanned"`
	Added            int `json:"added"`
	Removed          int `json:"removed"`
	CandidateRemoved int `json:"candidate_removed"`
	Rechecked        int `json:"rechecked"`
	Enriched         int `json:"enriched"`
	Failed           int `json:"failed"`
	Indexed          int `json:"indexed"`
}

// RunReport is the operator-visible summary of a pipeline run. It is
// persisted to the store and printed as JSON when a run finishes.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Status     RunStatus     `json:"status"`
	Counts     RunCounts     `json:"counts"`
	Stages     []StageResult `json:"stages"`
	Generation int64         `json:"generation,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Error      string        `json:"error,omitempty"`
}

// Run is a pipeline run as stored.
type Run struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	Report     *RunReport `json:"report,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
