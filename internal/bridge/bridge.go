package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/audit"
	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/provider"
	"github.com/shellgate/shellgate/internal/session"
)

// State is the bridge lifecycle state for one client connection.
type State int

const (
	// StateIdle has no session bound; a connect message is accepted.
	StateIdle State = iota
	// StateEstablishing has a connect in flight.
	StateEstablishing
	// StateActive forwards messages to a bound shell channel.
	StateActive
	// StateClosed is terminal: the client transport is gone.
	StateClosed
)

// Upper bounds for resize requests, matching common terminal limits.
// Values beyond these are clamped rather than rejected.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

const errNoActiveSession = "No active session"

// Bridge runs the per-connection state machine: it turns inbound client
// messages into registry and provider operations, and shell channel
// events into outbound responses.
//
// Client messages arrive sequentially (one ordered stream per
// connection), but channel events interleave with them from a separate
// goroutine. All session teardown funnels through the registry's
// at-most-once removal, so a late event after a client-initiated
// disconnect is a harmless no-op.
//
// Teardown returns the bridge to Idle so the client can open another
// session on the same connection; StateClosed is reserved for loss of
// the client transport.
type Bridge struct {
	registry       *session.Registry
	providers      map[provider.Kind]provider.Provider
	em             *Emitter
	connectTimeout time.Duration
	sourceIP       string

	mu        sync.Mutex
	state     State
	sessionID string
	sess      *session.Session
	openedAt  time.Time

	// audit metadata captured at connect time
	kind string
	host string
	user string
}

// New creates a bridge for one client connection. sourceIP is recorded in
// the audit trail only.
func New(registry *session.Registry, providers map[provider.Kind]provider.Provider, em *Emitter, connectTimeout time.Duration, sourceIP string) *Bridge {
	return &Bridge{
		registry:       registry,
		providers:      providers,
		em:             em,
		connectTimeout: connectTimeout,
		sourceIP:       sourceIP,
		state:          StateIdle,
	}
}

// State returns the current bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionID returns the bound session identifier, or "" when none.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// HandleMessage dispatches one inbound frame. Parse and validation
// failures are reported to the client and never terminate the
// connection.
func (b *Bridge) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		b.em.Error("invalid message format")
		return
	}
	if err := msg.Validate(); err != nil {
		b.em.Error(err.Error())
		return
	}

	switch msg.Type {
	case TypeConnect:
		b.handleConnect(ctx, msg)
	case TypeCommand:
		b.handleCommand(msg)
	case TypeResize:
		b.handleResize(msg)
	case TypeDisconnect:
		b.handleDisconnect()
	}
}

func (b *Bridge) handleConnect(ctx context.Context, msg ClientMessage) {
	cfg := msg.Config.ProviderConfig()

	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	if b.state != StateIdle {
		b.mu.Unlock()
		b.em.Error("session already active")
		return
	}
	b.state = StateEstablishing
	b.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		b.toIdle()
		b.em.Error(err.Error())
		return
	}

	p, ok := b.providers[cfg.Kind]
	if !ok {
		b.toIdle()
		b.em.Error(fmt.Sprintf("unsupported provider kind %q", cfg.Kind))
		return
	}

	id := uuid.New().String()

	connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	handle, err := p.Connect(connectCtx, cfg)
	if err != nil {
		b.toIdle()
		b.em.Error(err.Error())
		b.auditEntry(id, audit.EventConnectFailed, cfg, err.Error(), 0)
		return
	}

	sess, err := b.registry.Create(id, handle)
	if err != nil {
		if derr := handle.Dispose(); derr != nil {
			log.Printf("[bridge] dispose handle after failed create: %v", derr)
		}
		b.toIdle()
		b.em.Error(err.Error())
		return
	}

	cols, rows := msg.Cols, msg.Rows
	if cols == 0 {
		cols = provider.DefaultCols
	}
	if rows == 0 {
		rows = provider.DefaultRows
	}

	ch, err := handle.OpenShell(cols, rows, provider.DefaultTermType)
	if err != nil {
		b.registry.Remove(id)
		b.toIdle()
		b.em.Error(err.Error())
		b.auditEntry(id, audit.EventShellOpenFailed, cfg, err.Error(), 0)
		return
	}

	if err := b.registry.AttachShell(id, ch); err != nil {
		// Only possible if something removed the session mid-connect.
		if cerr := ch.Close(); cerr != nil {
			log.Printf("[bridge] close channel after failed attach: %v", cerr)
		}
		b.registry.Remove(id)
		b.toIdle()
		b.em.Error(err.Error())
		return
	}

	b.mu.Lock()
	b.state = StateActive
	b.sessionID = id
	b.sess = sess
	b.openedAt = time.Now()
	b.kind = string(cfg.Kind)
	b.host = cfg.Host
	b.user = cfg.User
	b.mu.Unlock()

	// The connected response goes out before the event consumer starts,
	// so the first data frame can never precede it. Output produced in
	// the meantime buffers on the provider's event stream.
	b.em.Connected(id)
	go b.consumeEvents(id, sess, ch)

	log.Printf("[bridge] session %s opened: kind=%s host=%s user=%s",
		id, cfg.Kind, logutil.SanitizeForLog(cfg.Host), logutil.SanitizeForLog(cfg.User))
	b.auditEntry(id, audit.EventSessionOpened, cfg, "", 0)
}

func (b *Bridge) handleCommand(msg ClientMessage) {
	sess := b.activeSession()
	if sess == nil {
		b.em.Error(errNoActiveSession)
		return
	}
	ch, err := sess.Channel()
	if err != nil {
		b.em.Error(errNoActiveSession)
		return
	}
	// Input is forwarded verbatim; output comes back via the data-event
	// path. A write failure here means the channel is dying: the
	// close/error event reports it, so only log.
	if _, err := ch.Write([]byte(*msg.Command)); err != nil {
		log.Printf("[bridge] session %s: shell write: %v", sess.ID, err)
	}
}

func (b *Bridge) handleResize(msg ClientMessage) {
	sess := b.activeSession()
	if sess == nil {
		b.em.Error(errNoActiveSession)
		return
	}
	ch, err := sess.Channel()
	if err != nil {
		b.em.Error(errNoActiveSession)
		return
	}

	cols, rows := msg.Cols, msg.Rows
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	// Resize is best-effort: a failure is logged and never surfaced, so
	// it cannot interrupt an otherwise healthy session. This is a
	// deliberate asymmetry with the other channel operations.
	if err := ch.Resize(cols, rows); err != nil {
		log.Printf("[bridge] session %s: resize %dx%d: %v", sess.ID, cols, rows, err)
	}
}

func (b *Bridge) handleDisconnect() {
	if !b.teardown("client disconnect") {
		b.em.Error(errNoActiveSession)
		return
	}
	b.em.Disconnected()
}

// consumeEvents drains one channel's event stream, forwarding output and
// reacting to termination. Runs until the provider closes the stream.
func (b *Bridge) consumeEvents(id string, sess *session.Session, ch provider.Channel) {

	for ev := range ch.Events() {
		switch ev.Type {
		case provider.EventData:
			// No output for a session whose teardown has begun.
			if sess.Closing() {
				continue
			}
			b.em.Data(ev.Data)

		case provider.EventClose:
			if ev.ExitCode == 0 {
				// Clean shell exit is expected: tear down internally but
				// send nothing, leaving the client free to reconnect.
				if b.teardownID(id, "shell exited cleanly") {
					log.Printf("[bridge] session %s: shell exited cleanly", id)
				}
				continue
			}
			detail := fmt.Sprintf("shell exited with code %d", ev.ExitCode)
			if ev.ExitSignal != "" {
				detail += " (signal " + ev.ExitSignal + ")"
			}
			if b.teardownID(id, detail) {
				log.Printf("[bridge] session %s: %s", id, detail)
				b.em.Disconnected()
			}

		case provider.EventError:
			if b.teardownID(id, "channel error: "+ev.Err.Error()) {
				log.Printf("[bridge] session %s: channel error: %v", id, ev.Err)
				b.em.Error(ev.Err.Error())
			}
		}
	}
}

// Shutdown releases the session (if any) without emitting responses; the
// transport is gone. The bridge accepts no further connects.
func (b *Bridge) Shutdown() {
	b.teardown("transport closed")
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
}

// activeSession returns the bound session when the bridge is Active.
func (b *Bridge) activeSession() *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive || b.sess == nil {
		return nil
	}
	return b.sess
}

// toIdle returns an establishing bridge to Idle after a failed connect,
// unless the transport closed in the meantime.
func (b *Bridge) toIdle() {
	b.mu.Lock()
	if b.state != StateClosed {
		b.state = StateIdle
	}
	b.mu.Unlock()
}

// sessionMeta is the audit metadata for one session, snapshotted under
// b.mu while that session is still the bound one. Reading the bridge
// fields after unbinding would race a reconnect and stamp the closed
// record with the next session's host and duration.
type sessionMeta struct {
	openedAt time.Time
	kind     string
	host     string
	user     string
}

func (b *Bridge) snapshotMetaLocked() sessionMeta {
	return sessionMeta{openedAt: b.openedAt, kind: b.kind, host: b.host, user: b.user}
}

// teardown unbinds and removes the current session. Returns false when no
// session was bound. The registry guarantees at-most-once release even
// when a channel event races this call.
func (b *Bridge) teardown(reason string) bool {
	b.mu.Lock()
	id := b.sessionID
	if id == "" {
		b.mu.Unlock()
		return false
	}
	meta := b.snapshotMetaLocked()
	b.clearSessionLocked()
	b.mu.Unlock()

	b.finishSession(id, meta, reason)
	return true
}

// teardownID is teardown for channel-event triggers: it only acts if the
// given session is still the bound one, so a late event for a previous
// session cannot disturb a newer one.
func (b *Bridge) teardownID(id, reason string) bool {
	b.mu.Lock()
	if b.sessionID != id {
		b.mu.Unlock()
		return false
	}
	meta := b.snapshotMetaLocked()
	b.clearSessionLocked()
	b.mu.Unlock()

	b.finishSession(id, meta, reason)
	return true
}

// clearSessionLocked unbinds the session and returns the bridge to Idle
// so the client may connect again. Caller holds b.mu.
func (b *Bridge) clearSessionLocked() {
	b.sessionID = ""
	b.sess = nil
	if b.state == StateActive {
		b.state = StateIdle
	}
}

func (b *Bridge) finishSession(id string, meta sessionMeta, reason string) {
	b.registry.Remove(id)

	var durationMs int64
	if !meta.openedAt.IsZero() {
		durationMs = time.Since(meta.openedAt).Milliseconds()
	}
	if a := audit.Get(); a != nil {
		_ = a.Log(audit.Entry{
			SessionID:  id,
			EventType:  audit.EventSessionClosed,
			Kind:       meta.kind,
			Host:       meta.host,
			Username:   meta.user,
			SourceIP:   b.sourceIP,
			Details:    reason,
			DurationMs: durationMs,
		})
	}
}

func (b *Bridge) auditEntry(id, eventType string, cfg provider.Config, details string, durationMs int64) {
	if a := audit.Get(); a != nil {
		_ = a.Log(audit.Entry{
			SessionID:  id,
			EventType:  eventType,
			Kind:       string(cfg.Kind),
			Host:       cfg.Host,
			Username:   cfg.User,
			SourceIP:   b.sourceIP,
			Details:    details,
			DurationMs: durationMs,
		})
	}
}
