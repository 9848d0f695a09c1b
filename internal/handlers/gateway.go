package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/shellgate/shellgate/internal/bridge"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/provider"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/token"
)

// gatewayRateLimit is the maximum number of client frames accepted per
// second per WebSocket connection. Frames beyond this rate are dropped.
const gatewayRateLimit = 200

// gatewayRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const gatewayRateBurst = 200

// MaxInputMessageSize bounds a single client frame. Larger frames are
// dropped without terminating the connection.
const MaxInputMessageSize = 64 * 1024

// Set from main.go during init.
var (
	Registry      *session.Registry
	Providers     map[provider.Kind]provider.Provider
	TokenVerifier *token.Verifier
)

// GatewayWS upgrades the request to a WebSocket and runs the message loop
// for one client connection.
//
// Query parameters:
//   - token: access token, required when token auth is configured.
//
// Each connection owns at most one shell session at a time. Inbound
// frames are JSON control messages; outbound frames are JSON responses
// written by a single emitter goroutine.
func GatewayWS(w http.ResponseWriter, r *http.Request) {
	if TokenVerifier != nil {
		if err := TokenVerifier.Verify(r.URL.Query().Get("token")); err != nil {
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}
	}

	opts := &websocket.AcceptOptions{}
	if len(config.Cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = config.Cfg.AllowedOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	clientConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("Failed to accept gateway websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()
	clientConn.SetReadLimit(1024 * 1024)

	tr := &wsTransport{conn: clientConn, ctx: ctx}
	em := bridge.NewEmitter(tr, 0)
	b := bridge.New(Registry, Providers, em, config.Cfg.ConnectTimeout, r.RemoteAddr)

	log.Printf("Gateway connection opened from %s", r.RemoteAddr)

	// Rate limiter for this connection
	limiter := newTokenBucket(gatewayRateBurst, gatewayRateLimit)

	for {
		_, data, err := clientConn.Read(ctx)
		if err != nil {
			break
		}

		// Rate limit: drop frames that exceed the allowed rate
		if !limiter.allow() {
			continue
		}

		if len(data) > MaxInputMessageSize {
			log.Printf("Gateway frame too large from %s: size=%d limit=%d", r.RemoteAddr, len(data), MaxInputMessageSize)
			continue
		}

		b.HandleMessage(ctx, data)
	}

	b.Shutdown()
	em.Close()
	log.Printf("Gateway connection closed from %s", r.RemoteAddr)
	clientConn.Close(websocket.StatusNormalClosure, "")
}

// wsTransport adapts a WebSocket connection to the emitter's transport.
type wsTransport struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (t *wsTransport) WriteText(p []byte) error {
	return t.conn.Write(t.ctx, websocket.MessageText, p)
}

// tokenBucket implements a simple token bucket rate limiter for client frames.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a frame is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	// Refill tokens based on elapsed time
	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
