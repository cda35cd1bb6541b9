package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/state"
)

var (
	// ErrAlreadyBusy is returned when a job arrives while another is running.
	ErrAlreadyBusy = fmt.Errorf("admit job: %w", state.ErrBusy)
	// ErrEngineUnavailable is returned when no simulator executable is known.
	ErrEngineUnavailable = errors.New("no simulator engine available")
	// ErrCancelled is returned for a job cancelled by the client.
	ErrCancelled = errors.New("simulation cancelled")
	// ErrTimedOut is returned when a job exceeds its deadline.
	ErrTimedOut = errors.New("simulation timed out")
	// ErrMissingArtifact is returned when the engine exits without writing its raw file.
	ErrMissingArtifact = errors.New("no .raw file generated - simulation may have failed")
)

// LaunchError wraps a failure to start the engine process.
type LaunchError struct {
	Engine domain.EngineKind
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Engine, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError reports an engine run classified as failed.
type ExitError struct {
	Engine      domain.EngineKind
	Code        int
	Diagnostics string
}

func (e *ExitError) Error() string {
	name := "LTspice"
	if e.Engine == domain.EngineNgspice {
		name = "ngspice"
	}
	return fmt.Sprintf("%s failed: %s", name, strings.TrimSpace(e.Diagnostics))
}

// UserMessage converts a job error to the text sent to the client.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "Simulation cancelled"
	case errors.Is(err, state.ErrBusy):
		return "Another simulation is already running"
	case errors.Is(err, ErrEngineUnavailable):
		return "No simulator found on this system"
	case errors.Is(err, ErrTimedOut):
		return "Simulation timed out"
	default:
		return err.Error()
	}
}

// StatusOf maps a job error to the recorded job status.
func StatusOf(err error) domain.JobStatus {
	switch {
	case err == nil:
		return domain.JobSucceeded
	case errors.Is(err, ErrCancelled):
		return domain.JobCancelled
	case errors.Is(err, ErrTimedOut):
		return domain.JobTimedOut
	case errors.Is(err, state.ErrBusy):
		return domain.JobRejected
	default:
		return domain.JobFailed
	}
}
