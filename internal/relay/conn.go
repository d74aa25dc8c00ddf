package relay

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/hiredrive/internal/auth"
	"github.com/zulandar/hiredrive/internal/config"
)

// Transport defaults.
const (
	defaultSendBuffer    = 256
	defaultWriteTimeout  = 10 * time.Second
	defaultPongTimeout   = 60 * time.Second
	defaultMaxFrameBytes = 64 << 10
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// HandlerOpts configures the WebSocket transport.
type HandlerOpts struct {
	Relay *Relay
	// Verifier is optional. When set, a presented token must be valid.
	Verifier       TokenVerifier
	RequireToken   bool
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxFrameBytes  int64
	Logger         *slog.Logger
}

// HandlerOptsFromConfig returns transport options from cfg.
func HandlerOptsFromConfig(r *Relay, v TokenVerifier, relayCfg config.RelayConfig, authCfg config.AuthConfig) HandlerOpts {
	return HandlerOpts{
		Relay:          r,
		Verifier:       v,
		RequireToken:   authCfg.RequireToken,
		AllowedOrigins: relayCfg.AllowedOrigins,
		SendBuffer:     relayCfg.SendBuffer,
		WriteTimeout:   time.Duration(relayCfg.WriteTimeoutSec) * time.Second,
		PongTimeout:    time.Duration(relayCfg.PongTimeoutSec) * time.Second,
		MaxFrameBytes:  relayCfg.MaxFrameBytes,
	}
}

// Handler upgrades HTTP requests to WebSocket connections served by a Relay.
type Handler struct {
	ctx      context.Context
	opts     HandlerOpts
	upgrader websocket.Upgrader
	log      *slog.Logger
	wg       sync.WaitGroup
}

// NewHandler creates a Handler. Connections are cancelled when ctx is done.
func NewHandler(ctx context.Context, opts HandlerOpts) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = opts.Relay.log
	}
	h := &Handler{ctx: ctx, opts: opts, log: opts.Logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the request, upgrades it and serves the
// connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	p := &wsPeer{
		id:      uuid.NewString(),
		subject: subject,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
		opts:    &h.opts,
		log:     h.log,
	}
	h.wg.Add(1)
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()

	h.opts.Relay.Register(p)
	go p.writePump()
	p.readPump(ctx, h.opts.Relay)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		if h.opts.RequireToken {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return "", false
		}
		return "", true
	}
	if h.opts.Verifier == nil {
		if h.opts.RequireToken {
			http.Error(w, "token verification unavailable", http.StatusUnauthorized)
			return "", false
		}
		return "", true
	}
	subject, err := h.opts.Verifier.VerifySubject(token)
	if err != nil {
		h.log.Warn("websocket token rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return "", false
	}
	return subject, true
}

// Wait blocks until every connection served by h has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// wsPeer is a Peer backed by a gorilla WebSocket connection. One goroutine
// reads and one writes.
type wsPeer struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	opts    *HandlerOpts
	log     *slog.Logger
}

func (p *wsPeer) ID() string      { return p.id }
func (p *wsPeer) Subject() string { return p.subject }

// Send never blocks. The send channel is never closed, so a Send racing
// Close is safe.
func (p *wsPeer) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *wsPeer) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *wsPeer) readPump(ctx context.Context, r *Relay) {
	defer func() {
		r.Unregister(p)
		p.Close()
	}()

	p.conn.SetReadLimit(p.opts.MaxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.opts.PongTimeout))
	})
	// writePump answers a client close once queued frames are flushed.
	p.conn.SetCloseHandler(func(int, string) error { return nil })

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.log.Debug("connection read error", "conn", p.id, "err", err)
			}
			return
		}
		if err := r.HandleFrame(ctx, p, raw); err != nil {
			return
		}
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(p.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case frame := <-p.send:
			if err := p.write(websocket.TextMessage, frame); err != nil {
				p.Close()
				return
			}
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			p.flush()
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.opts.WriteTimeout))
			return
		}
	}
}

// flush writes whatever is still queued.
func (p *wsPeer) flush() {
	for {
		select {
		case frame := <-p.send:
			if err := p.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *wsPeer) write(messageType int, data []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	return p.conn.WriteMessage(messageType, data)
}
