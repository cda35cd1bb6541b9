// Package state holds the process-wide agent status shared by every
// connection and the job runner.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/kelicad/simagent/internal/domain"
)

// ErrBusy is returned by BeginJob while another job is running.
var ErrBusy = errors.New("another simulation is already running")

// Process is the handle of a running engine process.
type Process interface {
	// ID identifies the process (a PID or a container id).
	ID() string
	// Terminate stops the process. Graceful asks it to exit; otherwise it is killed.
	Terminate(graceful bool) error
}

// Engines records which simulator executables were detected.
type Engines struct {
	LTspicePath string
	NgspicePath string
	// NgspiceImage is set when ngspice runs in a container.
	NgspiceImage string
}

// LTspiceAvailable reports whether an LTspice executable was found.
func (e Engines) LTspiceAvailable() bool { return e.LTspicePath != "" }

// NgspiceAvailable reports whether ngspice can be run, natively or in a container.
func (e Engines) NgspiceAvailable() bool { return e.NgspicePath != "" || e.NgspiceImage != "" }

// EngineAvailable reports whether kind can be run.
func (e Engines) EngineAvailable(kind domain.EngineKind) bool {
	switch kind {
	case domain.EngineLTspice:
		return e.LTspiceAvailable()
	case domain.EngineNgspice:
		return e.NgspiceAvailable()
	default:
		return false
	}
}

// Status is a read-only snapshot of the agent.
type Status struct {
	LTspicePath        string     `json:"ltspice_path,omitempty"`
	LTspiceAvailable   bool       `json:"ltspice_available"`
	NgspicePath        string     `json:"ngspice_path,omitempty"`
	NgspiceAvailable   bool       `json:"ngspice_available"`
	IsSimulating       bool       `json:"is_simulating"`
	CurrentJobID       string     `json:"current_job_id,omitempty"`
	WSConnections      int        `json:"ws_connections"`
	SimulationCount    int64      `json:"simulation_count"`
	LastSimulationTime *time.Time `json:"last_simulation_time,omitempty"`
	WSPort             int        `json:"ws_port"`
	Version            string     `json:"version"`
}

// AgentState is the single shared status object. All fields are guarded by mu.
type AgentState struct {
	mu sync.RWMutex

	engines     Engines
	port        int
	version     string
	simulating  bool
	connections int
	completed   int64
	lastDone    time.Time

	jobID           string
	cancelRequested bool
	process         Process
}

// New creates the agent state.
func New(engines Engines, port int, version string) *AgentState {
	return &AgentState{engines: engines, port: port, version: version}
}

// Engines returns the detected engines.
func (s *AgentState) Engines() Engines {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engines
}

// SetEngines replaces the detected engines.
func (s *AgentState) SetEngines(e Engines) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines = e
}

// BeginJob atomically claims the single job slot for jobID.
func (s *AgentState) BeginJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.simulating {
		return ErrBusy
	}
	s.simulating = true
	s.jobID = jobID
	s.cancelRequested = false
	s.process = nil
	return nil
}

// AttachProcess records the running process for jobID. It returns true when
// a cancel for that job arrived before the process was known.
func (s *AgentState) AttachProcess(jobID string, p Process) (cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobID != jobID {
		return false
	}
	s.process = p
	return s.cancelRequested
}

// RequestCancel marks jobID cancelled if it is the current job. It returns
// whether the request was accepted and the process to terminate, if any.
func (s *AgentState) RequestCancel(jobID string) (bool, Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.simulating || jobID == "" || s.jobID != jobID {
		return false, nil
	}
	s.cancelRequested = true
	return true, s.process
}

// CancelRequested reports whether the current job jobID was cancelled.
func (s *AgentState) CancelRequested(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobID == jobID && s.cancelRequested
}

// CurrentProcess returns the tracked process of the running job.
func (s *AgentState) CurrentProcess() Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.process
}

// EndJob releases the job slot held by jobID and reports whether the job
// had been cancelled. Calls for any other job id are ignored.
func (s *AgentState) EndJob(jobID string, succeeded bool) (cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.simulating || s.jobID != jobID {
		return false
	}
	cancelled = s.cancelRequested
	if succeeded && !cancelled {
		s.completed++
		s.lastDone = time.Now()
	}
	s.simulating = false
	s.jobID = ""
	s.cancelRequested = false
	s.process = nil
	return cancelled
}

// IsSimulating reports whether a job is running.
func (s *AgentState) IsSimulating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.simulating
}

// CurrentJobID returns the id of the running job, or "".
func (s *AgentState) CurrentJobID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobID
}

// ConnectionOpened increments the connection count.
func (s *AgentState) ConnectionOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
	return s.connections
}

// ConnectionClosed decrements the connection count without going below zero.
func (s *AgentState) ConnectionClosed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections > 0 {
		s.connections--
	}
	return s.connections
}

// Snapshot returns a consistent copy of the status.
func (s *AgentState) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		LTspicePath:      s.engines.LTspicePath,
		LTspiceAvailable: s.engines.LTspiceAvailable(),
		NgspicePath:      s.engines.NgspicePath,
		NgspiceAvailable: s.engines.NgspiceAvailable(),
		IsSimulating:     s.simulating,
		CurrentJobID:     s.jobID,
		WSConnections:    s.connections,
		SimulationCount:  s.completed,
		WSPort:           s.port,
		Version:          s.version,
	}
	if !s.lastDone.IsZero() {
		t := s.lastDone
		st.LastSimulationTime = &t
	}
	return st
}
