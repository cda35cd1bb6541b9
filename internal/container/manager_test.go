package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/engine"
)

type fakeDocker struct {
	mu sync.Mutex

	config     *container.Config
	hostConfig *container.HostConfig
	name       string
	startErr   error
	exitCode   int64
	stdout     string
	stderr     string
	kills      []string
	removed    []string
	list       []container.Summary
	imageErr   error
	waitCh     chan container.WaitResponse
	errCh      chan error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		waitCh: make(chan container.WaitResponse, 1),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config, f.hostConfig, f.name = config, hostConfig, name
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.waitCh, f.errCh
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, _ string, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, signal)
	if len(f.kills) > 1 {
		return errdefs.ErrNotFound
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.list, nil
}

func (f *fakeDocker) ImageInspect(context.Context, string, ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, f.imageErr
}

func (f *fakeDocker) Close() error { return nil }

func TestDockerRunner_StartAndWait(t *testing.T) {
	cli := newFakeDocker()
	cli.exitCode = 1
	cli.stdout = "Circuit: rc\n"
	cli.stderr = "Error: unknown subckt\n"
	runner := newDockerRunner(cli, "ngspice:42", nil)

	workDir := filepath.Join(t.TempDir(), engine.WorkDirPrefix+"abc")
	require.NoError(t, os.Mkdir(workDir, 0o755))

	proc, err := runner.Start(context.Background(), engine.LaunchSpec{
		Engine:     domain.EngineNgspice,
		Executable: "ngspice",
		WorkDir:    workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", proc.ID())

	assert.Equal(t, "simagent-abc", cli.name)
	assert.Equal(t, "ngspice:42", cli.config.Image)
	assert.Equal(t, []string{"ngspice"}, []string(cli.config.Entrypoint))
	assert.Equal(t, []string{"-b", "/work/circuit.net"}, []string(cli.config.Cmd))
	assert.Equal(t, "/work", cli.config.WorkingDir)
	assert.Equal(t, "true", cli.config.Labels[containerLabel])
	assert.Equal(t, container.NetworkMode("none"), cli.hostConfig.NetworkMode)
	require.Len(t, cli.hostConfig.Mounts, 1)
	assert.Equal(t, mount.TypeBind, cli.hostConfig.Mounts[0].Type)
	assert.Equal(t, workDir, cli.hostConfig.Mounts[0].Source)

	status, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Code)
	assert.Equal(t, "Circuit: rc\n", status.Stdout)
	assert.Equal(t, "Error: unknown subckt\n", status.Stderr)
	assert.Equal(t, []string{"0123456789abcdef0123"}, cli.removed)

	// Wait is idempotent.
	again, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, status, again)
	assert.Len(t, cli.removed, 1)
}

func TestDockerRunner_StartFailureRemovesContainer(t *testing.T) {
	cli := newFakeDocker()
	cli.startErr = errors.New("no such image")
	runner := newDockerRunner(cli, "ngspice:42", nil)

	_, err := runner.Start(context.Background(), engine.LaunchSpec{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Len(t, cli.removed, 1)
}

func TestDockerRunner_Terminate(t *testing.T) {
	cli := newFakeDocker()
	proc := &containerProcess{runner: newDockerRunner(cli, "img", nil), id: "c1"}

	require.NoError(t, proc.Terminate(true))
	require.NoError(t, proc.Terminate(false), "not found after exit is not an error")
	assert.Equal(t, []string{"SIGTERM", "SIGKILL"}, cli.kills)
}

func TestDockerRunner_ImageAvailable(t *testing.T) {
	cli := newFakeDocker()
	runner := newDockerRunner(cli, "img", nil)

	ok, err := runner.ImageAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	cli.imageErr = errdefs.ErrNotFound
	ok, err = runner.ImageAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	cli.imageErr = errors.New("daemon unreachable")
	_, err = runner.ImageAvailable(context.Background())
	require.Error(t, err)
}

func TestDockerRunner_RemoveStale(t *testing.T) {
	cli := newFakeDocker()
	cli.list = []container.Summary{{ID: "a"}, {ID: "b"}}
	runner := newDockerRunner(cli, "img", nil)

	n, err := runner.RemoveStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, cli.removed)
}
