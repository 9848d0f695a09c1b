// Package bridge translates between the client message protocol and
// remote shell channels, one bridge per client connection.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shellgate/shellgate/internal/provider"
)

// Inbound message types.
const (
	TypeConnect    = "connect"
	TypeCommand    = "command"
	TypeResize     = "resize"
	TypeDisconnect = "disconnect"
)

// Outbound response types.
const (
	TypeConnected    = "connected"
	TypeData         = "data"
	TypeError        = "error"
	TypeDisconnected = "disconnected"
)

// ErrInvalidFormat is reported for frames that do not parse as a tagged
// client message. It never terminates the connection.
var ErrInvalidFormat = errors.New("invalid message format")

// ConnectConfig is the wire form of a connect request's target.
type ConnectConfig struct {
	Host       string  `json:"host"`
	Port       int     `json:"port,omitempty"`
	Username   string  `json:"username"`
	Password   *string `json:"password,omitempty"`
	PrivateKey *string `json:"privateKey,omitempty"`
	Passphrase string  `json:"passphrase,omitempty"`
	// Kind selects the provider: "ssh" (default) or "docker".
	Kind string `json:"kind,omitempty"`
}

// ClientMessage is the tagged union of inbound frames. Pointer fields
// distinguish an absent field from an empty one during validation.
type ClientMessage struct {
	Type    string         `json:"type"`
	Config  *ConnectConfig `json:"config,omitempty"`
	Command *string        `json:"command,omitempty"`
	Cols    uint16         `json:"cols,omitempty"`
	Rows    uint16         `json:"rows,omitempty"`
}

// ServerResponse is the tagged union of outbound frames.
type ServerResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ParseClientMessage decodes one inbound frame. Anything that is not a
// JSON object with a string type tag is ErrInvalidFormat.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, ErrInvalidFormat
	}
	if msg.Type == "" {
		return ClientMessage{}, ErrInvalidFormat
	}
	return msg, nil
}

// Validate checks the per-type required fields before the message reaches
// bridge logic. Each violation has a distinct message so clients can tell
// what was missing.
func (m ClientMessage) Validate() error {
	switch m.Type {
	case TypeConnect:
		if m.Config == nil {
			return errors.New("connect requires a config")
		}
		if m.Config.Host == "" {
			return errors.New("connect config requires a host")
		}
	case TypeCommand:
		if m.Command == nil {
			return errors.New("command requires a command string")
		}
	case TypeResize:
		if m.Cols == 0 || m.Rows == 0 {
			return errors.New("resize requires positive cols and rows")
		}
	case TypeDisconnect:
		// no payload
	default:
		return fmt.Errorf("unknown message type")
	}
	return nil
}

// ProviderConfig converts the wire config into a provider config,
// applying the SSH default kind.
func (c *ConnectConfig) ProviderConfig() provider.Config {
	kind := provider.Kind(c.Kind)
	if kind == "" {
		kind = provider.KindSSH
	}
	cfg := provider.Config{
		Kind:       kind,
		Host:       c.Host,
		Port:       c.Port,
		User:       c.Username,
		Passphrase: c.Passphrase,
	}
	if c.Password != nil {
		cfg.Password = *c.Password
	}
	if c.PrivateKey != nil {
		cfg.PrivateKey = *c.PrivateKey
	}
	return cfg
}
