// Package domain contains the core types shared across the agent.
package domain

// Analysis types reported in SimulationResults.AnalysisType.
const (
	AnalysisTransient = "transient"
	AnalysisAC        = "ac"
	AnalysisDC        = "dc"
)

// Trace is one named waveform.
type Trace struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
	Unit string    `json:"unit"`
}

// SimulationResults is the decoded content of a raw result file.
// Every trace has exactly len(Time) samples.
type SimulationResults struct {
	Time         []float64 `json:"time"`
	Traces       []Trace   `json:"traces"`
	AnalysisType string    `json:"analysis_type"`
}

// Points returns the number of samples on the independent axis.
func (r *SimulationResults) Points() int {
	if r == nil {
		return 0
	}
	return len(r.Time)
}
