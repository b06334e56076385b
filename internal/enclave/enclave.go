package enclave

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("invalid enclave name")

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,59}$`)

func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-60 alphanumeric characters, '-' or '_'", ErrInvalidName, name)
	}
	return nil
}

type ContainersStatus string

const (
	ContainersStatusEmpty   ContainersStatus = "EMPTY"
	ContainersStatusRunning ContainersStatus = "RUNNING"
	ContainersStatusStopped ContainersStatus = "STOPPED"
)

type APIContainerStatus string

const (
	APIContainerStatusNonexistent APIContainerStatus = "NONEXISTENT"
	APIContainerStatusRunning     APIContainerStatus = "RUNNING"
	APIContainerStatusStopped     APIContainerStatus = "STOPPED"
)

type Mode string

const (
	ModeTest       Mode = "TEST"
	ModeProduction Mode = "PRODUCTION"
)

var modeFromString = map[string]Mode{
	string(ModeTest):       ModeTest,
	string(ModeProduction): ModeProduction,
}

func ModeFromString(s string) (Mode, bool) {
	m, ok := modeFromString[s]
	return m, ok
}

// Enclave is an isolated environment of services.
type Enclave struct {
	UUID                 uuid.UUID          `json:"enclave_uuid"`
	Name                 string             `json:"name"`
	ShortenedUUID        string             `json:"shortened_uuid"`
	ContainersStatus     ContainersStatus   `json:"containers_status"`
	APIContainerStatus   APIContainerStatus `json:"api_container_status"`
	APIContainerVersion  string             `json:"api_container_version"`
	APIContainerLogLevel string             `json:"api_container_log_level"`
	Mode                 Mode               `json:"mode"`
	DebugMode            bool               `json:"debug_mode"`
	CreatedAt            time.Time          `json:"creation_time"`
}
