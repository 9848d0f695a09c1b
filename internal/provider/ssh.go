package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// defaultSSHPort is applied when a connect request omits the port.
const defaultSSHPort = 22

// eventBuffer is the per-channel event queue depth. The pump goroutine
// blocks when the consumer falls this far behind, which throttles the
// remote read without losing output.
const eventBuffer = 64

// SSHProvider connects to remote hosts over SSH. Credentials are consumed
// once during Connect and never stored.
type SSHProvider struct {
	// Timeout bounds connection readiness (dial plus handshake).
	Timeout time.Duration
}

func (p *SSHProvider) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 15 * time.Second
}

// Connect dials the host and authenticates with the configured credential.
func (p *SSHProvider) Connect(ctx context.Context, cfg Config) (Handle, error) {
	authMethod, err := authMethodFromConfig(cfg)
	if err != nil {
		return nil, &ConnectError{Reason: "auth", Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host identity is the client's call, not the gateway's
		Timeout:         p.timeout(),
	}

	port := cfg.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	dialer := net.Dialer{Timeout: p.timeout()}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Reason: classifyDialError(err), Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	// ClientConfig.Timeout only covers ssh.Dial's own dialer; NewClientConn
	// would otherwise wait on a silent server forever. A read deadline
	// bounds the handshake and is cleared once the connection is up.
	if err := netConn.SetDeadline(time.Now().Add(p.timeout())); err != nil {
		netConn.Close()
		return nil, &ConnectError{Reason: "network", Err: fmt.Errorf("set handshake deadline: %w", err)}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, &ConnectError{Reason: classifyHandshakeError(err), Err: fmt.Errorf("ssh handshake with %s: %w", addr, err)}
	}
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, &ConnectError{Reason: "network", Err: fmt.Errorf("clear handshake deadline: %w", err)}
	}

	return &sshHandle{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// authMethodFromConfig builds the SSH auth method from the connect config.
func authMethodFromConfig(cfg Config) (ssh.AuthMethod, error) {
	if cfg.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(cfg.Password), nil
}

func classifyDialError(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "network"
}

func classifyHandshakeError(err error) string {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return "auth"
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "protocol"
}

// sshHandle wraps an authenticated SSH client.
type sshHandle struct {
	client *ssh.Client
}

// OpenShell opens an SSH session with a PTY and starts the login shell.
func (h *sshHandle) OpenShell(cols, rows uint16, term string) (Channel, error) {
	sess, err := h.client.NewSession()
	if err != nil {
		return nil, &ShellOpenError{Err: fmt.Errorf("create ssh session: %w", err)}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := sess.RequestPty(term, int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, &ShellOpenError{Err: fmt.Errorf("request pty: %w", err)}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, &ShellOpenError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, &ShellOpenError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	// sess.Shell() asks the server for the user's login shell rather than
	// executing a shell path of our choosing.
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, &ShellOpenError{Err: fmt.Errorf("start login shell: %w", err)}
	}

	ch := &sshChannel{
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
		events:  make(chan Event, eventBuffer),
	}
	go ch.pump()
	return ch, nil
}

func (h *sshHandle) Dispose() error {
	return h.client.Close()
}

// sshChannel is one interactive shell over an SSH session. Stdin writes
// and window changes share a mutex; stdout is read only by the pump.
type sshChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	events  chan Event
	mu      sync.Mutex
}

func (c *sshChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdin.Write(p)
}

func (c *sshChannel) Resize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.WindowChange(int(rows), int(cols))
}

func (c *sshChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdin.Close()
	return c.session.Close()
}

func (c *sshChannel) Events() <-chan Event {
	return c.events
}

// pump relays shell output into the event stream, then reports the exit
// status. It is the sole writer to c.events, which preserves delivery
// order, and closes the stream when done.
func (c *sshChannel) pump() {
	defer close(c.events)

	buf := make([]byte, 32*1024)
	for {
		n, err := c.stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.events <- Event{Type: EventData, Data: data}
		}
		if err != nil {
			break
		}
	}

	switch werr := c.session.Wait().(type) {
	case nil:
		c.events <- Event{Type: EventClose, ExitCode: 0}
	case *ssh.ExitError:
		c.events <- Event{Type: EventClose, ExitCode: werr.ExitStatus(), ExitSignal: werr.Signal()}
	case *ssh.ExitMissingError:
		// The server ended the session without reporting a status.
		c.events <- Event{Type: EventClose, ExitCode: 0}
	default:
		c.events <- Event{Type: EventError, Err: werr}
	}
}

// interface checks
var (
	_ Provider = (*SSHProvider)(nil)
	_ Handle   = (*sshHandle)(nil)
	_ Channel  = (*sshChannel)(nil)
)
