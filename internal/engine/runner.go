package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/state"
)

// NetlistFileName is the prepared netlist written into each job directory.
const NetlistFileName = "circuit.net"

// LaunchSpec describes one engine invocation.
type LaunchSpec struct {
	Engine     domain.EngineKind
	Executable string
	// WorkDir holds the netlist and receives the engine's output files.
	WorkDir string
}

// NetlistPath returns the host path of the prepared netlist.
func (s LaunchSpec) NetlistPath() string {
	return filepath.Join(s.WorkDir, NetlistFileName)
}

// BatchArgs returns the arguments that run netlistPath non-interactively.
func BatchArgs(netlistPath string) []string {
	return []string{"-b", netlistPath}
}

// ExitStatus is the outcome of a finished process.
type ExitStatus struct {
	Code   int
	Stdout string
	Stderr string
}

// Process is a started engine run.
type Process interface {
	state.Process
	// Wait blocks until the process exits. The error is non-nil only when
	// the exit status could not be obtained.
	Wait() (ExitStatus, error)
}

// Runner starts engine processes.
type Runner interface {
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecRunner runs the engine as a host subprocess.
type ExecRunner struct{}

// Start launches the executable with the netlist as its only positional argument.
func (ExecRunner) Start(_ context.Context, spec LaunchSpec) (Process, error) {
	if spec.Executable == "" {
		return nil, ErrEngineUnavailable
	}

	cmd := exec.Command(spec.Executable, BatchArgs(spec.NetlistPath())...)
	cmd.Dir = spec.WorkDir
	stdout := newTailBuffer(0)
	stderr := newTailBuffer(0)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Executable, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *tailBuffer
	stderr *tailBuffer

	once   sync.Once
	status ExitStatus
	err    error
}

func (p *execProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *execProcess) Wait() (ExitStatus, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		p.status = ExitStatus{
			Code:   p.cmd.ProcessState.ExitCode(),
			Stdout: p.stdout.String(),
			Stderr: p.stderr.String(),
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = err
		}
	})
	return p.status, p.err
}

func (p *execProcess) Terminate(graceful bool) error {
	if graceful {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("signal process %d: %w", p.cmd.Process.Pid, err)
		}
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}
