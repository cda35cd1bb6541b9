package domain

import "time"

// JobStatus is the terminal state of a simulation job.
type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimedOut  JobStatus = "timed_out"
	JobRejected  JobStatus = "rejected"
)

// JobRecord represents a finished job in the history store.
type JobRecord struct {
	ID           string        `json:"id"`
	Engine       string        `json:"engine"`
	Status       JobStatus     `json:"status"`
	Error        string        `json:"error,omitempty"`
	Quality      string        `json:"quality,omitempty"`
	AnalysisType string        `json:"analysis_type,omitempty"`
	Points       int           `json:"points"`
	Traces       int           `json:"traces"`
	NetlistHash  string        `json:"netlist_hash"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
}
