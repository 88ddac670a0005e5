// ABOUTME: Relay orchestrator that owns the registry, inboxes, and HTTP server.
// ABOUTME: Manages startup, graceful shutdown, and token secret resolution.

package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mcpmesh/mcpmesh/internal/auth"
	"github.com/mcpmesh/mcpmesh/internal/config"
)

// Relay orchestrates the mesh-relay server components: the agent registry,
// the per-agent inboxes, and the HTTP server that fronts them.
type Relay struct {
	config     *config.Config
	registry   *Registry
	inboxes    *Inboxes
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Relay instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		// Receive and acknowledge always require a token, so a relay with
		// no configured secret mints an ephemeral one. Tokens issued by a
		// previous run stop working after a restart.
		generated, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating ephemeral secret: %w", err)
		}
		secret = generated
		logger.Warn("no jwt_secret configured - using ephemeral secret, tokens will not survive restart")
	}

	verifier := auth.NewJWTVerifier([]byte(secret))

	registry := NewRegistry(logger.With("component", "registry"))
	inboxes := NewInboxes(cfg.Relay.VisibilityTimeout)

	server := NewServer(ServerConfig{
		Registry:  registry,
		Inboxes:   inboxes,
		Verifier:  verifier,
		TokenTTL:  cfg.Auth.TokenTTL,
		Heartbeat: cfg.Relay.HeartbeatInterval,
		Logger:    logger.With("component", "http"),
	})

	r := &Relay{
		config:   cfg,
		registry: registry,
		inboxes:  inboxes,
		logger:   logger.With("component", "relay"),
	}

	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return r, nil
}

// Run starts the relay server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		r.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(ctx)
}

// Shutdown gracefully stops the relay's HTTP server. Open event streams are
// cut; held messages are lost with the process, and senders re-deliver on
// their next retry.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")
	if err := r.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// generateSecret returns a random hex-encoded signing secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
