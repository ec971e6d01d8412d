package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// DockerLauncher runs each child inside its own container. Tenant
// isolation comes from the container boundary; stdio is attached over
// the Docker exec transport.
type DockerLauncher struct {
	client *client.Client
	image  string
}

// NewDockerLauncher creates a Docker-backed launcher spawning children
// from the given image.
func NewDockerLauncher(image string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{client: cli, image: image}, nil
}

// Start implements Launcher. It creates and starts a container whose
// main process is the child, with stdin kept open for the line
// protocol.
func (l *DockerLauncher) Start(ctx context.Context, spec Spec) (Process, error) {
	cmd := append([]string{spec.Command}, spec.Args...)

	containerConfig := &dockercontainer.Config{
		Image:        l.image,
		Cmd:          cmd,
		Env:          spec.Env,
		WorkingDir:   spec.Dir,
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{"seomcp.role": "child"},
	}
	hostConfig := &dockercontainer.HostConfig{
		AutoRemove: true,
		Init:       boolPtr(true),
	}

	name := "seomcp-child-" + uuid.New().String()[:8]
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := l.client.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = l.client.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		attach.Close()
		_ = l.client.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	// The attached stream multiplexes stdout and stderr; demux into
	// pipes so the caller sees two plain readers.
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, attach.Reader)
	}()

	return &dockerProcess{
		client:      l.client,
		containerID: resp.ID,
		attach:      attach,
		stdout:      stdoutReader,
		stderr:      stderrReader,
	}, nil
}

// Ping implements Launcher.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Name implements Launcher.
func (l *DockerLauncher) Name() string {
	return "docker"
}

// Close implements Launcher.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

type dockerProcess struct {
	client      *client.Client
	containerID string
	attach      types.HijackedResponse
	stdout      io.Reader
	stderr      io.Reader
}

func (p *dockerProcess) Stdin() io.WriteCloser { return &hijackedWriteCloser{conn: p.attach} }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }

func (p *dockerProcess) Wait() (int, error) {
	ctx := context.Background()
	waitCh, errCh := p.client.ContainerWait(ctx, p.containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return -1, fmt.Errorf("container wait: %s", res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("container wait: %w", err)
	}
}

func (p *dockerProcess) Signal(sig os.Signal) error {
	signame := "TERM"
	if sig == syscall.SIGKILL {
		signame = "KILL"
	}
	return p.client.ContainerKill(context.Background(), p.containerID, signame)
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.client.ContainerRemove(ctx, p.containerID, dockercontainer.RemoveOptions{Force: true})
}

// hijackedWriteCloser adapts the hijacked attach connection to
// io.WriteCloser. Closing the write side closes the child's stdin.
type hijackedWriteCloser struct {
	conn types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (int, error) {
	return h.conn.Conn.Write(p)
}

func (h *hijackedWriteCloser) Close() error {
	return h.conn.CloseWrite()
}

func boolPtr(b bool) *bool {
	return &b
}
