package main

import (
	"github.com/dmitrymomot/foundation/core/server"

	"github.com/dmitrymomot/pubsub/broker"
)

// Config aggregates everything the server binary reads from the
// environment at startup.
type Config struct {
	AppName string `env:"APP_NAME" envDefault:"pubsub"`
	Version string `env:"APP_VERSION" envDefault:"dev"`

	// APIKeys is the shared allow-list admitting both REST and WebSocket
	// callers.
	APIKeys []string `env:"PUBSUB_API_KEYS" envDefault:"plivo-test-key,demo-key,test-123"`

	Server server.Config
	Broker broker.Config
}
