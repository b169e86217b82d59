// Package sshconn binds the multiplexing pool's connector contract to real
// SSH transports. Authentication material is caller input: each server id
// resolves to an address and a ready ssh.ClientConfig, and this package only
// dials and adapts the resulting client.
package sshconn

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/evdanil/nexterminal/pkg/muxpool"
)

// ErrNoDialConfig is returned when a server id has no dial configuration.
var ErrNoDialConfig = errors.New("no dial config for server")

// DialConfig carries everything needed to reach one server.
type DialConfig struct {
	Address      string // host:port
	ClientConfig *ssh.ClientConfig
}

// Connector dials SSH servers on behalf of the connection pool.
type Connector struct {
	resolver func(muxpool.ServerIdentity) (*DialConfig, error)
	logger   *zap.Logger
}

// NewConnector creates a Connector from a static server id -> dial config table.
func NewConnector(configs map[string]*DialConfig) *Connector {
	return NewConnectorWithResolver(func(server muxpool.ServerIdentity) (*DialConfig, error) {
		config, ok := configs[server.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoDialConfig, server.ID)
		}
		return config, nil
	})
}

// NewConnectorWithResolver creates a Connector that resolves dial configs on
// demand, for callers whose server table changes at runtime.
func NewConnectorWithResolver(resolver func(muxpool.ServerIdentity) (*DialConfig, error)) *Connector {
	return &Connector{resolver: resolver, logger: zap.NewNop()}
}

// NewConnectorWithLogger creates a Connector from a static table with a logger.
func NewConnectorWithLogger(configs map[string]*DialConfig, logger *zap.Logger) *Connector {
	connector := NewConnector(configs)
	if logger != nil {
		connector.logger = logger
	}
	return connector
}

// Connect performs the SSH handshake for the server and wraps the client in
// the pool's RawConnection surface.
func (c *Connector) Connect(server muxpool.ServerIdentity) (muxpool.RawConnection, error) {
	config, err := c.resolver(server)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("dialing server",
		zap.String("server", server.ID),
		zap.String("address", config.Address))

	client, err := ssh.Dial("tcp", config.Address, config.ClientConfig)
	if err != nil {
		return nil, err
	}

	return newConnection(client), nil
}
