// Package provider defines the remote shell capability consumed by the
// gateway core, and its SSH and Docker exec implementations.
//
// A Provider turns connection parameters into an authenticated Handle; a
// Handle opens interactive shell Channels. Channel lifecycle events
// (output data, termination, runtime errors) are delivered on a single
// ordered event stream per channel, so consumers never block the remote
// read path and never observe output out of order.
package provider

import (
	"context"
	"fmt"
)

// Kind selects a provider implementation for a connect request.
type Kind string

const (
	KindSSH    Kind = "ssh"
	KindDocker Kind = "docker"
)

// DefaultTermType is the terminal type requested for every shell.
const DefaultTermType = "xterm-256color"

// Default terminal dimensions when the client does not specify any.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Config carries the parameters required to reach a remote shell host.
// For SSH exactly one of Password or PrivateKey must be set; for Docker
// Host names the target container and auth fields are ignored.
type Config struct {
	Kind       Kind
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	Passphrase string
}

// Validate checks the config for the given provider kind.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Kind == KindDocker {
		return nil
	}
	if c.User == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" && c.PrivateKey == "" {
		return fmt.Errorf("either a password or a private key is required")
	}
	if c.Password != "" && c.PrivateKey != "" {
		return fmt.Errorf("password and private key are mutually exclusive")
	}
	return nil
}

// EventType discriminates channel lifecycle events.
type EventType int

const (
	// EventData carries a chunk of shell output.
	EventData EventType = iota
	// EventClose signals shell termination with an exit code and optional
	// signal name. A missing exit status is reported as code 0.
	EventClose
	// EventError signals a runtime channel failure.
	EventError
)

// Event is one entry on a channel's ordered event stream. The stream is
// closed after the final EventClose or EventError.
type Event struct {
	Type       EventType
	Data       []byte
	ExitCode   int
	ExitSignal string
	Err        error
}

// Provider establishes connections to remote shell hosts.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect authenticates against the remote described by cfg and
	// returns a live Handle. Establishment is bounded by ctx.
	Connect(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is an authenticated connection capable of opening shells.
type Handle interface {
	// OpenShell requests an interactive shell channel with the given
	// terminal dimensions. Event delivery starts before OpenShell returns.
	OpenShell(cols, rows uint16, term string) (Channel, error)
	// Dispose releases the underlying connection.
	Dispose() error
}

// Channel is one open interactive shell.
type Channel interface {
	// Write forwards input bytes to the shell.
	Write(p []byte) (n int, err error)
	// Resize changes the remote terminal dimensions.
	Resize(cols, rows uint16) error
	// Close terminates the shell.
	Close() error
	// Events returns the channel's ordered lifecycle event stream.
	Events() <-chan Event
}

// ConnectError reports an establishment failure. Reason classifies the
// failure; the wrapped error carries the provider diagnostic verbatim.
type ConnectError struct {
	Reason string // "auth", "network", "timeout" or "protocol"
	Err    error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// ShellOpenError reports a rejected shell channel request.
type ShellOpenError struct {
	Err error
}

func (e *ShellOpenError) Error() string { return e.Err.Error() }
func (e *ShellOpenError) Unwrap() error { return e.Err }
