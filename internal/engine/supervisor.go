// Package engine runs simulation jobs against an external simulator process.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/netlist"
	"github.com/kelicad/simagent/internal/rawfile"
	"github.com/kelicad/simagent/internal/state"
)

// WorkDirPrefix is the name prefix of per-job working directories.
const WorkDirPrefix = "simagent-job-"

const (
	defaultCancelGrace = 100 * time.Millisecond
	recordTimeout      = 5 * time.Second
)

// Job is one admitted simulation request.
type Job struct {
	ID      string
	Netlist string
	Quality string
	// Timeout is the client's deadline hint; zero means none.
	Timeout time.Duration
	ConnID  string
}

// Outcome is the terminal result of a job.
type Outcome struct {
	Results *domain.SimulationResults
	Err     error
	Engine  domain.EngineKind
	Elapsed time.Duration
}

// Recorder persists finished jobs.
type Recorder interface {
	RecordJob(ctx context.Context, rec *domain.JobRecord) error
}

// Observer receives job metrics.
type Observer interface {
	JobFinished(engine domain.EngineKind, status domain.JobStatus, elapsed time.Duration)
	DecodeFailed(engine domain.EngineKind)
}

// Config controls the supervisor.
type Config struct {
	// WorkRoot is the parent of per-job directories; empty uses the OS temp dir.
	WorkRoot     string
	KeepWorkDirs bool
	// CancelGrace separates the graceful and forceful termination signals.
	CancelGrace time.Duration
	// MaxDuration caps every job when EnforceTimeout is set.
	MaxDuration    time.Duration
	EnforceTimeout bool
	// Preference selects the engine when both are available.
	Preference domain.EngineKind
}

// Supervisor admits jobs one at a time and drives the engine process.
type Supervisor struct {
	cfg      Config
	state    *state.AgentState
	prep     *netlist.Preprocessor
	runners  map[domain.EngineKind]Runner
	recorder Recorder
	observer Observer
	logger   *slog.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	workDir string
}

// NewSupervisor creates a Supervisor. recorder and observer may be nil.
func NewSupervisor(cfg Config, st *state.AgentState, prep *netlist.Preprocessor, runners map[domain.EngineKind]Runner, recorder Recorder, observer Observer, logger *slog.Logger) *Supervisor {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if cfg.Preference == "" {
		cfg.Preference = domain.EngineLTspice
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		state:    st,
		prep:     prep,
		runners:  runners,
		recorder: recorder,
		observer: observer,
		logger:   logger,
	}
}

// SelectEngine returns the engine a job would run on, preferring the
// configured family. It returns "" when nothing can run.
func (s *Supervisor) SelectEngine() domain.EngineKind {
	engines := s.state.Engines()
	order := []domain.EngineKind{s.cfg.Preference, domain.EngineLTspice, domain.EngineNgspice}
	for _, kind := range order {
		if engines.EngineAvailable(kind) && s.runners[kind] != nil {
			return kind
		}
	}
	return ""
}

// Run executes job and returns its outcome. It never panics on job errors;
// every failure is reported through Outcome.Err.
func (s *Supervisor) Run(ctx context.Context, job Job) Outcome {
	start := time.Now()
	kind := s.SelectEngine()
	reported := kind
	if reported == "" {
		reported = s.cfg.Preference
	}

	if err := s.state.BeginJob(job.ID); err != nil {
		s.logger.Warn("Simulation rejected, another job is running", "job_id", job.ID)
		out := Outcome{Err: ErrAlreadyBusy, Engine: reported, Elapsed: time.Since(start)}
		s.finish(job, out, start)
		return out
	}

	s.logger.Info("Simulation started", "job_id", job.ID, "engine", kind, "quality", job.Quality)
	results, err := s.execute(ctx, job, kind)

	if cancelled := s.state.EndJob(job.ID, err == nil); cancelled {
		results, err = nil, ErrCancelled
	}

	out := Outcome{Results: results, Err: err, Engine: reported, Elapsed: time.Since(start)}
	if err != nil {
		s.logger.Warn("Simulation failed", "job_id", job.ID, "engine", kind, "error", err, "elapsed", out.Elapsed)
	} else {
		s.logger.Info("Simulation completed", "job_id", job.ID, "engine", kind,
			"points", results.Points(), "traces", len(results.Traces), "elapsed", out.Elapsed)
	}
	s.finish(job, out, start)
	return out
}

func (s *Supervisor) execute(ctx context.Context, job Job, kind domain.EngineKind) (*domain.SimulationResults, error) {
	if kind == "" {
		return nil, ErrEngineUnavailable
	}

	workDir, err := os.MkdirTemp(s.cfg.WorkRoot, WorkDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	s.setWorkDir(workDir)
	defer s.setWorkDir("")
	if !s.cfg.KeepWorkDirs {
		defer func() {
			if rmErr := os.RemoveAll(workDir); rmErr != nil {
				s.logger.Warn("Failed to remove working directory", "path", workDir, "error", rmErr)
			}
		}()
	}

	prepared, err := s.prep.Prepare(job.Netlist, workDir, kind, job.Quality)
	if err != nil {
		return nil, fmt.Errorf("prepare netlist: %w", err)
	}
	spec := LaunchSpec{Engine: kind, Executable: s.executable(kind), WorkDir: workDir}
	if err := os.WriteFile(spec.NetlistPath(), []byte(prepared.Netlist), 0o644); err != nil {
		return nil, fmt.Errorf("write netlist: %w", err)
	}

	proc, err := s.runners[kind].Start(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return nil, err
		}
		return nil, &LaunchError{Engine: kind, Err: err}
	}
	s.logger.Info("Engine process started", "job_id", job.ID, "engine", kind, "process_id", proc.ID())

	if s.state.AttachProcess(job.ID, proc) {
		s.logger.Info("Cancel arrived before process start, terminating", "job_id", job.ID)
		s.terminateAsync(proc)
	}

	status, err := s.await(ctx, job, proc)

	// Cancellation wins over whatever the process did.
	if s.state.CancelRequested(job.ID) {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, err
	}

	if err := classifyExit(kind, status, workDir); err != nil {
		return nil, err
	}

	rawPath := filepath.Join(workDir, netlist.RawFileName)
	if _, err := os.Stat(rawPath); err != nil {
		return nil, ErrMissingArtifact
	}

	results, err := rawfile.DecodeFile(rawPath, formatFor(kind))
	if err != nil {
		if s.observer != nil {
			s.observer.DecodeFailed(kind)
		}
		return nil, err
	}
	return results, nil
}

// await waits for proc, enforcing the job deadline and agent shutdown.
func (s *Supervisor) await(ctx context.Context, job Job, proc Process) (ExitStatus, error) {
	type waitResult struct {
		status ExitStatus
		err    error
	}
	done := make(chan waitResult, 1)
	go func() {
		st, err := proc.Wait()
		done <- waitResult{st, err}
	}()

	var deadline <-chan time.Time
	if d := s.effectiveTimeout(job.Timeout); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return r.status, fmt.Errorf("wait for engine: %w", r.err)
		}
		return r.status, nil
	case <-deadline:
		s.logger.Warn("Simulation deadline exceeded, terminating", "job_id", job.ID, "process_id", proc.ID())
		s.terminate(proc)
		<-done
		return ExitStatus{}, ErrTimedOut
	case <-ctx.Done():
		s.logger.Info("Agent shutting down, terminating engine", "job_id", job.ID, "process_id", proc.ID())
		s.terminate(proc)
		<-done
		return ExitStatus{}, fmt.Errorf("simulation aborted: %w", ctx.Err())
	}
}

// effectiveTimeout returns the client hint capped by MaxDuration, or zero
// when deadlines are not enforced.
func (s *Supervisor) effectiveTimeout(hint time.Duration) time.Duration {
	if !s.cfg.EnforceTimeout {
		return 0
	}
	limit := s.cfg.MaxDuration
	if hint > 0 && (limit <= 0 || hint < limit) {
		limit = hint
	}
	return limit
}

// Cancel requests cancellation of jobID. It returns false when jobID is not
// the running job. Termination of the process continues in the background.
func (s *Supervisor) Cancel(jobID string) bool {
	accepted, proc := s.state.RequestCancel(jobID)
	if !accepted {
		s.logger.Info("Cancel ignored, job is not running", "job_id", jobID)
		return false
	}
	s.logger.Info("Cancel requested", "job_id", jobID)
	if proc != nil {
		s.terminateAsync(proc)
	}
	return true
}

func (s *Supervisor) terminateAsync(proc state.Process) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.terminate(proc)
	}()
}

// terminate sends a graceful signal, waits the grace period, then kills.
func (s *Supervisor) terminate(proc state.Process) {
	if err := proc.Terminate(true); err != nil {
		s.logger.Debug("Graceful terminate failed", "process_id", proc.ID(), "error", err)
	}
	time.Sleep(s.cfg.CancelGrace)
	if err := proc.Terminate(false); err != nil {
		s.logger.Debug("Forceful terminate failed", "process_id", proc.ID(), "error", err)
	}
}

// Shutdown terminates a running engine process and waits for background
// work (termination and history writes) to finish or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if proc := s.state.CurrentProcess(); proc != nil {
		s.terminateAsync(proc)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setWorkDir(dir string) {
	s.mu.Lock()
	s.workDir = dir
	s.mu.Unlock()
}

// CurrentWorkDir returns the working directory of the running job, or ""
// when idle.
func (s *Supervisor) CurrentWorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}

func (s *Supervisor) executable(kind domain.EngineKind) string {
	engines := s.state.Engines()
	if kind == domain.EngineNgspice {
		if engines.NgspiceImage != "" {
			return "ngspice"
		}
		return engines.NgspicePath
	}
	return engines.LTspicePath
}

func (s *Supervisor) finish(job Job, out Outcome, start time.Time) {
	status := StatusOf(out.Err)
	if s.observer != nil {
		s.observer.JobFinished(out.Engine, status, out.Elapsed)
	}
	if s.recorder == nil {
		return
	}

	sum := sha256.Sum256([]byte(job.Netlist))
	rec := &domain.JobRecord{
		ID:          job.ID,
		Engine:      string(out.Engine),
		Status:      status,
		Error:       UserMessage(out.Err),
		Quality:     job.Quality,
		NetlistHash: hex.EncodeToString(sum[:]),
		StartedAt:   start,
		Duration:    out.Elapsed,
	}
	if out.Results != nil {
		rec.AnalysisType = out.Results.AnalysisType
		rec.Points = out.Results.Points()
		rec.Traces = len(out.Results.Traces)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.recorder.RecordJob(ctx, rec); err != nil {
			s.logger.Warn("Failed to record job history", "job_id", job.ID, "error", err)
		}
	}()
}

func formatFor(kind domain.EngineKind) rawfile.Format {
	if kind == domain.EngineNgspice {
		return rawfile.FormatNgspice
	}
	return rawfile.FormatLTspice
}
