// Package client composes the connection manager, authenticator and registry
// into one handle. It is the composition layer: construction and lifecycle
// only, no business logic.
package client

import (
	"context"

	"github.com/ClearMesh/clearing_client/internal/auth"
	"github.com/ClearMesh/clearing_client/internal/config"
	"github.com/ClearMesh/clearing_client/internal/conn"
	"github.com/ClearMesh/clearing_client/internal/events"
	"github.com/ClearMesh/clearing_client/internal/registry"
	"github.com/ClearMesh/clearing_client/internal/signer"
	"github.com/ClearMesh/clearing_client/pkg/logger"
)

// Client is the explicit handle a caller holds for one logical connection to
// the clearing authority. Lifecycle is explicit: New, Connect, Close.
type Client struct {
	cfg      *config.Config
	log      *logger.Logger
	conn     *conn.Manager
	registry *registry.Registry
}

// New wires a client for the given wallet identity. Nothing touches the
// network until Connect.
func New(cfg *config.Config, wallet *signer.WalletSigner, authOpts ...auth.Option) *Client {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	authOpts = append([]auth.Option{auth.WithSessionTTL(cfg.SessionTTL)}, authOpts...)
	authenticator := auth.New(wallet, cfg.Application, log.WithField("component", "auth"), authOpts...)

	dispatcher := events.NewDispatcher(log.WithField("component", "events"))
	manager := conn.New(cfg, authenticator.Handshake, dispatcher, log.WithField("component", "conn"))
	reg := registry.New(manager, dispatcher, wallet.Address(), cfg.ChainID, log.WithField("component", "registry"))

	return &Client{
		cfg:      cfg,
		log:      log,
		conn:     manager,
		registry: reg,
	}
}

// Connect opens the transport and completes the handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Close tears the connection down and detaches the registry.
func (c *Client) Close() {
	c.conn.Disconnect()
	c.registry.Close()
}

// Conn exposes the connection manager for state observation.
func (c *Client) Conn() *conn.Manager { return c.conn }

// Registry exposes session, channel and balance operations.
func (c *Client) Registry() *registry.Registry { return c.registry }
