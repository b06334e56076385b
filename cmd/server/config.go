package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/enclave/internal/server"
)

// config holds the application configuration.
type config struct {
	Development bool          `env:"ENCLAVE_DEVELOPMENT"`
	Version     string        `env:"ENCLAVE_VERSION"` // default: "dev"
	Postgres    backendConfig `envPrefix:"ENCLAVE_POSTGRES_"`
	S3          backendConfig `envPrefix:"ENCLAVE_S3_"`
	AMQP        backendConfig `envPrefix:"ENCLAVE_AMQP_"`
	Redis       backendConfig `envPrefix:"ENCLAVE_REDIS_"`
	Runtime     runtimeConfig `envPrefix:"ENCLAVE_RUNTIME_"`
	Server      server.Config `envPrefix:"ENCLAVE_SERVER_"`
}

// backendConfig points at an optional backend. An empty connection string
// selects the in-memory implementation or disables the backend.
type backendConfig struct {
	ConnectionString string `env:"CONNECTION_STRING"`
}

type runtimeConfig struct {
	Kind string `env:"KIND"` // "docker" or "fake", default: "docker"
}

func (c *runtimeConfig) kind() string {
	k := c.Kind
	if k == "" {
		k = "docker"
	}
	return k
}

func (c *config) version() string {
	v := c.Version
	if v == "" {
		v = "dev"
	}
	return v
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
