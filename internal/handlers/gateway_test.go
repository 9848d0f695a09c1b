package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/shellgate/shellgate/internal/bridge"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/provider"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/token"
)

type fakeProvider struct {
	handle *fakeHandle
}

func (p *fakeProvider) Connect(ctx context.Context, cfg provider.Config) (provider.Handle, error) {
	return p.handle, nil
}

type fakeHandle struct {
	ch *fakeChannel
}

func (h *fakeHandle) OpenShell(cols, rows uint16, term string) (provider.Channel, error) {
	return h.ch, nil
}

func (h *fakeHandle) Dispose() error { return nil }

type fakeChannel struct {
	events chan provider.Event

	mu     sync.Mutex
	writes []string

	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan provider.Event, 16)}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

func (c *fakeChannel) Resize(cols, rows uint16) error { return nil }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeChannel) Events() <-chan provider.Event { return c.events }

func (c *fakeChannel) recordedWrites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// setupGatewayServer wires the package globals to a fake provider and
// starts an httptest server with the gateway route. Globals are restored
// via t.Cleanup.
func setupGatewayServer(t *testing.T, fp provider.Provider) *httptest.Server {
	t.Helper()

	prevRegistry, prevProviders, prevVerifier := Registry, Providers, TokenVerifier
	prevTimeout := config.Cfg.ConnectTimeout
	t.Cleanup(func() {
		Registry, Providers, TokenVerifier = prevRegistry, prevProviders, prevVerifier
		config.Cfg.ConnectTimeout = prevTimeout
	})

	Registry = session.NewRegistry()
	Providers = map[provider.Kind]provider.Provider{provider.KindSSH: fp}
	TokenVerifier = nil
	config.Cfg.ConnectTimeout = 2 * time.Second

	mux := chi.NewRouter()
	mux.Get("/ws", GatewayWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialGateway(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readFrame reads one response, skipping data frames when skipData is set.
func readFrame(t *testing.T, conn *websocket.Conn, skipData bool) bridge.ServerResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var resp bridge.ServerResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal frame %q: %v", data, err)
		}
		if skipData && resp.Type == bridge.TypeData {
			continue
		}
		return resp
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestGatewayWS_SessionLifecycle(t *testing.T) {
	ch := newFakeChannel()
	fp := &fakeProvider{handle: &fakeHandle{ch: ch}}
	ts := setupGatewayServer(t, fp)
	conn := dialGateway(t, ts, "")

	sendFrame(t, conn, `{"type":"connect","config":{"host":"example.com","username":"alice","password":"pw"}}`)

	resp := readFrame(t, conn, false)
	if resp.Type != bridge.TypeConnected || resp.SessionID == "" {
		t.Fatalf("first frame = %+v, want connected with sessionId", resp)
	}

	// Shell output comes back as a data frame.
	ch.events <- provider.Event{Type: provider.EventData, Data: []byte("$ ")}
	resp = readFrame(t, conn, false)
	if resp.Type != bridge.TypeData || resp.Data != "$ " {
		t.Fatalf("frame = %+v, want data %q", resp, "$ ")
	}

	// Input reaches the channel.
	sendFrame(t, conn, `{"type":"command","command":"ls\n"}`)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := ch.recordedWrites(); len(w) > 0 {
			if w[0] != "ls\n" {
				t.Fatalf("channel got %q, want %q", w[0], "ls\n")
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sendFrame(t, conn, `{"type":"disconnect"}`)
	resp = readFrame(t, conn, true)
	if resp.Type != bridge.TypeDisconnected {
		t.Fatalf("frame = %+v, want disconnected", resp)
	}

	if Registry.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0 after disconnect", Registry.Len())
	}
}

func TestGatewayWS_InvalidFrame(t *testing.T) {
	ts := setupGatewayServer(t, &fakeProvider{handle: &fakeHandle{ch: newFakeChannel()}})
	conn := dialGateway(t, ts, "")

	sendFrame(t, conn, "{broken")

	resp := readFrame(t, conn, false)
	if resp.Type != bridge.TypeError || resp.Error != "invalid message format" {
		t.Fatalf("frame = %+v, want invalid message format error", resp)
	}
}

func TestGatewayWS_CommandWithoutSession(t *testing.T) {
	ts := setupGatewayServer(t, &fakeProvider{handle: &fakeHandle{ch: newFakeChannel()}})
	conn := dialGateway(t, ts, "")

	sendFrame(t, conn, `{"type":"command","command":"ls\n"}`)

	resp := readFrame(t, conn, false)
	if resp.Type != bridge.TypeError || resp.Error != "No active session" {
		t.Fatalf("frame = %+v, want No active session error", resp)
	}
}

func TestGatewayWS_DisconnectCleansUpSession(t *testing.T) {
	fp := &fakeProvider{handle: &fakeHandle{ch: newFakeChannel()}}
	ts := setupGatewayServer(t, fp)
	conn := dialGateway(t, ts, "")

	sendFrame(t, conn, `{"type":"connect","config":{"host":"example.com","username":"alice","password":"pw"}}`)
	readFrame(t, conn, false)

	reg := Registry
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0 after transport close", reg.Len())
	}
}

func TestGatewayWS_TokenRequired(t *testing.T) {
	ts := setupGatewayServer(t, &fakeProvider{handle: &fakeHandle{ch: newFakeChannel()}})

	key, err := token.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier, err := token.NewVerifier(key, time.Minute)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	TokenVerifier = verifier

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, resp, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("dial without token should fail")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	tok, err := verifier.Issue()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn := dialGateway(t, ts, "?token="+tok)
	sendFrame(t, conn, `{"type":"disconnect"}`)
	if resp := readFrame(t, conn, false); resp.Type != bridge.TypeError {
		t.Fatalf("frame = %+v, want error for disconnect without session", resp)
	}
}

func TestHealthCheck(t *testing.T) {
	prev := Registry
	t.Cleanup(func() { Registry = prev })
	Registry = session.NewRegistry()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthCheck(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Status != "ok" || body.Sessions != 0 {
		t.Errorf("body = %+v, want ok with 0 sessions", body)
	}
}
