// Package container runs ngspice inside Docker and cleans up after jobs.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kelicad/simagent/internal/engine"
)

const (
	// Container configuration.
	mountPath      = "/work"
	containerLabel = "simagent.job"
	workDirLabel   = "simagent.workdir"

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 64

	removeTimeout = 10 * time.Second
)

// dockerAPI is the subset of the Docker client the runner uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	Close() error
}

// DockerRunner implements engine.Runner by running each job in a
// throwaway container with the job directory bind-mounted.
type DockerRunner struct {
	cli    dockerAPI
	image  string
	logger *slog.Logger
}

// NewDockerRunner creates a runner for image using the Docker environment
// configuration (DOCKER_HOST and friends).
func NewDockerRunner(imageName string, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerRunner(cli, imageName, logger), nil
}

func newDockerRunner(cli dockerAPI, imageName string, logger *slog.Logger) *DockerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{cli: cli, image: imageName, logger: logger}
}

// Image returns the configured image reference.
func (r *DockerRunner) Image() string { return r.image }

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// ImageAvailable reports whether the image is present locally.
func (r *DockerRunner) ImageAvailable(ctx context.Context) (bool, error) {
	if _, err := r.cli.ImageInspect(ctx, r.image); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", r.image, err)
	}
	return true, nil
}

// Start creates and starts the job container.
func (r *DockerRunner) Start(ctx context.Context, spec engine.LaunchSpec) (engine.Process, error) {
	hostDir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	executable := spec.Executable
	if executable == "" {
		executable = "ngspice"
	}

	config := &container.Config{
		Image:      r.image,
		User:       containerUser(),
		WorkingDir: mountPath,
		Entrypoint: []string{executable},
		Cmd:        engine.BatchArgs(path.Join(mountPath, engine.NetlistFileName)),
		Labels: map[string]string{
			containerLabel: "true",
			workDirLabel:   hostDir,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostDir,
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	name := "simagent-" + strings.TrimPrefix(filepath.Base(hostDir), engine.WorkDirPrefix)
	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	// The wait must be registered before start so a fast exit is not missed.
	waitCtx, cancel := context.WithCancel(context.Background())
	waitCh, errCh := r.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cancel()
		r.remove(resp.ID)
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	r.logger.Debug("Container started", "container_id", resp.ID, "image", r.image)

	return &containerProcess{
		runner: r,
		id:     resp.ID,
		waitCh: waitCh,
		errCh:  errCh,
		cancel: cancel,
	}, nil
}

// RemoveStale force-removes job containers that are no longer running.
func (r *DockerRunner) RemoveStale(ctx context.Context) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", containerLabel),
			filters.Arg("status", "exited"),
			filters.Arg("status", "created"),
			filters.Arg("status", "dead"),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("list job containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn("Failed to remove stale container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		// Already being removed or already gone is OK
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		r.logger.Warn("Failed to remove container", "container_id", containerID, "error", err)
	}
}

type containerProcess struct {
	runner *DockerRunner
	id     string
	waitCh <-chan container.WaitResponse
	errCh  <-chan error
	cancel context.CancelFunc

	once   sync.Once
	status engine.ExitStatus
	err    error
}

func (p *containerProcess) ID() string {
	if len(p.id) > 12 {
		return p.id[:12]
	}
	return p.id
}

func (p *containerProcess) Wait() (engine.ExitStatus, error) {
	p.once.Do(func() {
		defer p.cancel()
		defer p.runner.remove(p.id)

		select {
		case resp := <-p.waitCh:
			p.status.Code = int(resp.StatusCode)
			if resp.Error != nil && resp.Error.Message != "" {
				p.err = fmt.Errorf("wait container %s: %s", p.ID(), resp.Error.Message)
				return
			}
		case err := <-p.errCh:
			p.err = fmt.Errorf("wait container %s: %w", p.ID(), err)
			return
		}

		stdout, stderr, err := p.logs()
		if err != nil {
			p.runner.logger.Warn("Failed to read container logs", "container_id", p.ID(), "error", err)
		}
		p.status.Stdout = stdout
		p.status.Stderr = stderr
	})
	return p.status, p.err
}

func (p *containerProcess) logs() (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	rc, err := p.runner.cli.ContainerLogs(ctx, p.id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("demultiplex logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (p *containerProcess) Terminate(graceful bool) error {
	signal := "SIGKILL"
	if graceful {
		signal = "SIGTERM"
	}
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := p.runner.cli.ContainerKill(ctx, p.id, signal)
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("kill container %s: %w", p.ID(), err)
}

// containerUser maps the container user to the agent's own uid so files in
// the bind mount stay removable.
func containerUser() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

func ptr[T any](v T) *T {
	return &v
}
