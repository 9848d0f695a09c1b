package provider

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// defaultDockerShell is started inside the container when a shell channel
// is opened. Containers do not advertise a login shell the way an SSH
// server does, so a fixed default is the only portable choice.
const defaultDockerShell = "/bin/sh"

// DockerProvider opens interactive shells inside local containers via the
// Docker exec API. The connect config's Host names the container; User, if
// set, selects the exec user.
type DockerProvider struct {
	// Host overrides the daemon address (DOCKER_HOST semantics).
	Host string
}

// Connect verifies the daemon and the target container are reachable and
// returns a handle bound to that container.
func (p *DockerProvider) Connect(ctx context.Context, cfg Config) (Handle, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if p.Host != "" {
		opts = append(opts, dockerclient.WithHost(p.Host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &ConnectError{Reason: "protocol", Err: fmt.Errorf("docker client: %w", err)}
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, &ConnectError{Reason: "network", Err: fmt.Errorf("docker ping: %w", err)}
	}

	if _, err := cli.ContainerInspect(ctx, cfg.Host); err != nil {
		cli.Close()
		return nil, &ConnectError{Reason: "network", Err: fmt.Errorf("inspect container %s: %w", cfg.Host, err)}
	}

	return &dockerHandle{cli: cli, containerID: cfg.Host, user: cfg.User}, nil
}

type dockerHandle struct {
	cli         *dockerclient.Client
	containerID string
	user        string
}

// OpenShell creates a TTY exec in the container and attaches to it.
func (h *dockerHandle) OpenShell(cols, rows uint16, term string) (Channel, error) {
	ctx := context.Background()

	execCfg := container.ExecOptions{
		Cmd:          []string{defaultDockerShell},
		User:         h.user,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=" + term},
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	}

	execID, err := h.cli.ContainerExecCreate(ctx, h.containerID, execCfg)
	if err != nil {
		return nil, &ShellOpenError{Err: fmt.Errorf("exec create: %w", err)}
	}

	resp, err := h.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, &ShellOpenError{Err: fmt.Errorf("exec attach: %w", err)}
	}

	ch := &dockerChannel{
		cli:    h.cli,
		execID: execID.ID,
		conn:   resp.Conn,
		reader: resp.Reader,
		events: make(chan Event, eventBuffer),
	}
	go ch.pump()
	return ch, nil
}

func (h *dockerHandle) Dispose() error {
	return h.cli.Close()
}

// dockerChannel is one exec TTY stream. The hijacked connection carries
// both directions; reads go through the attach response's buffered reader
// so bytes pre-read during the HTTP upgrade are not lost.
type dockerChannel struct {
	cli    *dockerclient.Client
	execID string
	conn   net.Conn
	reader *bufio.Reader
	events chan Event
	mu     sync.Mutex
}

func (c *dockerChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(p)
}

func (c *dockerChannel) Resize(cols, rows uint16) error {
	return c.cli.ContainerExecResize(context.Background(), c.execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (c *dockerChannel) Close() error {
	return c.conn.Close()
}

func (c *dockerChannel) Events() <-chan Event {
	return c.events
}

// pump relays exec output into the event stream and reports the exit code
// once the stream ends. Sole writer to c.events.
func (c *dockerChannel) pump() {
	defer close(c.events)

	buf := make([]byte, 32*1024)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.events <- Event{Type: EventData, Data: data}
		}
		if err != nil {
			break
		}
	}

	inspect, err := c.cli.ContainerExecInspect(context.Background(), c.execID)
	if err != nil {
		// Stream ended but the daemon is unreachable for the status.
		c.events <- Event{Type: EventError, Err: fmt.Errorf("exec inspect: %w", err)}
		return
	}
	c.events <- Event{Type: EventClose, ExitCode: inspect.ExitCode}
}

// interface checks
var (
	_ Provider = (*DockerProvider)(nil)
	_ Handle   = (*dockerHandle)(nil)
	_ Channel  = (*dockerChannel)(nil)
)
