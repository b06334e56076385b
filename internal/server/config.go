package server

import (
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"` // default: "127.0.0.1"
	Port              int           `env:"PORT"` // default: 9710
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`
	// MaxRequestBodySize limits JSON request bodies. Chunk streams are limited per chunk instead.
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE"` // default: 16 MiB
	Swagger            bool  `env:"SWAGGER"`
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 9710
	}
	return p
}

func (c *Config) maxRequestBodySize() int64 {
	s := c.MaxRequestBodySize
	if s == 0 {
		s = 16 << 20
	}
	return s
}
