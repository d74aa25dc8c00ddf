// Package server exposes the chat relay and the message read path over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/hiredrive/internal/booking"
	"github.com/zulandar/hiredrive/internal/messaging"
	"github.com/zulandar/hiredrive/internal/relay"
)

const shutdownTimeout = 10 * time.Second

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Listen   string
	Relay    *relay.Relay
	WS       *relay.Handler
	WSPath   string
	Messages messaging.Store
	Bookings booking.Store
	// Verifier authenticates the /api routes. Without one they answer 401.
	Verifier relay.TokenVerifier
	Logger   *slog.Logger
	Out      io.Writer
}

func (o *StartOpts) validate() error {
	switch {
	case o.Relay == nil:
		return fmt.Errorf("server: relay is required")
	case o.WS == nil:
		return fmt.Errorf("server: websocket handler is required")
	case o.Messages == nil:
		return fmt.Errorf("server: message store is required")
	case o.Bookings == nil:
		return fmt.Errorf("server: booking store is required")
	}
	if o.WSPath == "" {
		o.WSPath = "/ws"
	}
	if o.Listen == "" {
		o.Listen = ":5000"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// NewRouter builds the gin engine serving every route.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, &opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully: new requests are refused, WebSocket connections
// are closed and pending notifications are given time to finish.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", opts.Listen, err)
	}
	return serve(ctx, ln, router, opts)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler, opts StartOpts) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if rerr := opts.Relay.Shutdown(sctx); rerr != nil && err == nil {
			err = rerr
		}
		opts.WS.Wait()
		shutdownErr <- err
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Chat relay listening on %s (websocket path %s)\n", ln.Addr(), opts.WSPath)
	}
	opts.Logger.Info("server started", "listen", ln.Addr().String(), "ws_path", opts.WSPath)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	opts.Logger.Info("server stopped")
	return nil
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
