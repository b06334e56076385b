package service

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidConfig = errors.New("invalid service config")
	ErrInvalidName   = errors.New("invalid service name")
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateName checks that name can be a hostname label.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or '-'", ErrInvalidName, name)
	}
	return nil
}

type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
	StatusUnknown Status = "UNKNOWN"
)

var statusFromString = map[string]Status{
	string(StatusStopped): StatusStopped,
	string(StatusRunning): StatusRunning,
	string(StatusUnknown): StatusUnknown,
}

func StatusFromString(s string) (Status, bool) {
	status, ok := statusFromString[s]
	return status, ok
}

type TransportProtocol string

const (
	TransportProtocolTCP  TransportProtocol = "TCP"
	TransportProtocolSCTP TransportProtocol = "SCTP"
	TransportProtocolUDP  TransportProtocol = "UDP"
)

var transportProtocolFromString = map[string]TransportProtocol{
	string(TransportProtocolTCP):  TransportProtocolTCP,
	string(TransportProtocolSCTP): TransportProtocolSCTP,
	string(TransportProtocolUDP):  TransportProtocolUDP,
}

func TransportProtocolFromString(s string) (TransportProtocol, bool) {
	p, ok := transportProtocolFromString[s]
	return p, ok
}

type Port struct {
	Number              uint16            `json:"number"`
	TransportProtocol   TransportProtocol `json:"transport_protocol"`
	ApplicationProtocol string            `json:"application_protocol,omitempty"`
	WaitTimeout         string            `json:"wait_timeout,omitempty"`
}

// Validate checks the port number and protocol and fills the TCP default.
func (p *Port) Validate() error {
	if p.Number == 0 {
		return fmt.Errorf("%w: port number must be in 1-65535", ErrInvalidConfig)
	}
	if p.TransportProtocol == "" {
		p.TransportProtocol = TransportProtocolTCP
	}
	if _, ok := TransportProtocolFromString(string(p.TransportProtocol)); !ok {
		return fmt.Errorf("%w: unknown transport protocol %q", ErrInvalidConfig, p.TransportProtocol)
	}
	if p.WaitTimeout != "" {
		if _, err := time.ParseDuration(p.WaitTimeout); err != nil {
			return fmt.Errorf("%w: wait timeout: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Config describes a service to start.
type Config struct {
	Image       string            `json:"image"`
	Ports       map[string]Port   `json:"ports,omitempty"`
	PublicPorts map[string]Port   `json:"public_ports,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Cmd         []string          `json:"cmd,omitempty"`
	Env         map[string]string `json:"env_vars,omitempty"`
	// Files maps a directory inside the container to a files artifact identifier.
	Files      map[string]string `json:"files,omitempty"`
	Subnetwork string            `json:"subnetwork,omitempty"`

	CPUAllocationMillicpus int `json:"cpu_allocation_millicpus,omitempty"`
	MemoryAllocationMB     int `json:"memory_allocation_megabytes,omitempty"`
}

func (c *Config) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}
	for name, p := range c.Ports {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("port %q: %w", name, err)
		}
		c.Ports[name] = p
	}
	for name, p := range c.PublicPorts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("public port %q: %w", name, err)
		}
		c.PublicPorts[name] = p
	}
	if c.CPUAllocationMillicpus < 0 || c.MemoryAllocationMB < 0 {
		return fmt.Errorf("%w: negative resource allocation", ErrInvalidConfig)
	}
	return nil
}

type ContainerInfo struct {
	Status     string            `json:"status"`
	Image      string            `json:"image"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        map[string]string `json:"env_vars,omitempty"`
}

// Service is a service of an enclave as the registry knows it.
type Service struct {
	UUID          uuid.UUID       `json:"service_uuid"`
	Name          string          `json:"name"`
	ShortenedUUID string          `json:"shortened_uuid"`
	Status        Status          `json:"service_status"`
	PrivateIP     string          `json:"private_ip_addr"`
	PublicIP      string          `json:"maybe_public_ip_addr,omitempty"`
	PrivatePorts  map[string]Port `json:"private_ports"`
	PublicPorts   map[string]Port `json:"maybe_public_ports,omitempty"`
	Container     ContainerInfo   `json:"container"`
	Config        *Config         `json:"-"`
	CreatedAt     time.Time       `json:"-"`
	RemovedAt     *time.Time      `json:"-"`
}
