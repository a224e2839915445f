// Package meshrpc wires the framework together behind connection strings: it
// picks a transport from the URL scheme and returns connected endpoints.
//
// Supported schemes: memory:// (in-process broker), ws:// and wss://
// (WebSocket), amqp:// and amqps:// (RabbitMQ), nats:// (NATS).
//
// Connect and Serve cover the common cases. Applications that need transport
// tuning build the transport themselves and hand it to messaging.NewClient
// or messaging.NewServer.
package meshrpc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meshrpc/meshrpc-go/messaging"
	amqptransport "github.com/meshrpc/meshrpc-go/transports/amqp"
	"github.com/meshrpc/meshrpc-go/transports/inmemory"
	"github.com/meshrpc/meshrpc-go/transports/natstransport"
	"github.com/meshrpc/meshrpc-go/transports/websocket"
)

// Authenticator validates login credentials on the serving side.
type Authenticator func(credentials messaging.Credentials) (*messaging.AuthResult, error)

type transportConfig struct {
	broker *inmemory.Broker
	logger *slog.Logger
}

// TransportOption tunes transport construction from a connection string.
type TransportOption func(*transportConfig)

// WithBroker selects the in-memory broker used for memory:// connection
// strings. Endpoints only pair when they share a broker; the default is a
// process-wide one.
func WithBroker(broker *inmemory.Broker) TransportOption {
	return func(c *transportConfig) { c.broker = broker }
}

// WithLogger sets the logger handed to the constructed transport.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) { c.logger = logger }
}

// sharedBroker pairs memory:// endpoints created without an explicit broker.
var sharedBroker = inmemory.NewBroker()

func buildConfig(options []TransportOption) *transportConfig {
	cfg := &transportConfig{broker: sharedBroker, logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func scheme(connString string) string {
	s, _, found := strings.Cut(connString, "://")
	if !found {
		return ""
	}
	return s
}

// ClientTransport builds the client-side transport for a connection string.
func ClientTransport(connString string, options ...TransportOption) (messaging.Transport, error) {
	cfg := buildConfig(options)
	switch scheme(connString) {
	case "memory":
		return cfg.broker.ClientTransport(), nil
	case "ws", "wss":
		return websocket.NewClientTransport(websocket.WithClientLogger(cfg.logger)), nil
	case "amqp", "amqps":
		return amqptransport.NewTransport(amqptransport.WithLogger(cfg.logger)), nil
	case "nats":
		return natstransport.NewTransport(natstransport.WithLogger(cfg.logger)), nil
	}
	return nil, fmt.Errorf("unsupported connection string %q", connString)
}

// ServerTransport builds the serving-side transport for a connection string.
// The authenticator answers $login requests; nil rejects every login except
// on memory://, where the broker's own authenticator applies.
func ServerTransport(connString string, auth Authenticator, options ...TransportOption) (messaging.Transport, error) {
	cfg := buildConfig(options)
	switch scheme(connString) {
	case "memory":
		return cfg.broker.ServerTransport(), nil
	case "ws", "wss":
		opts := []websocket.ServerOption{websocket.WithServerLogger(cfg.logger)}
		if auth != nil {
			opts = append(opts, websocket.WithServerAuthenticator(websocket.Authenticator(auth)))
		}
		return websocket.NewServerTransport(opts...), nil
	case "amqp", "amqps":
		opts := []amqptransport.TransportOption{amqptransport.WithLogger(cfg.logger)}
		if auth != nil {
			opts = append(opts, amqptransport.WithAuthenticator(amqptransport.Authenticator(auth)))
		}
		return amqptransport.NewTransport(opts...), nil
	case "nats":
		opts := []natstransport.TransportOption{natstransport.WithLogger(cfg.logger)}
		if auth != nil {
			opts = append(opts, natstransport.WithAuthenticator(natstransport.Authenticator(auth)))
		}
		return natstransport.NewTransport(opts...), nil
	}
	return nil, fmt.Errorf("unsupported connection string %q", connString)
}

// Connect builds the transport for the connection string, wraps it in a
// client and connects.
func Connect(ctx context.Context, connString string, clientOpts ...messaging.ClientOption) (*messaging.Client, error) {
	transport, err := ClientTransport(connString)
	if err != nil {
		return nil, err
	}
	client := messaging.NewClient(transport, clientOpts...)
	if err := client.Connect(ctx, connString); err != nil {
		return nil, err
	}
	return client, nil
}

// Serve builds the serving transport for the connection string, wraps it in
// a server and starts it.
func Serve(ctx context.Context, connString string, auth Authenticator, serverOpts ...messaging.ServerOption) (*messaging.Server, error) {
	transport, err := ServerTransport(connString, auth)
	if err != nil {
		return nil, err
	}
	server := messaging.NewServer(transport, serverOpts...)
	if err := server.Start(ctx, connString); err != nil {
		return nil, err
	}
	return server, nil
}
