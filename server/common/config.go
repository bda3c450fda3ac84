package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultPort            = 11111
	DefaultBacklog         = 128
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxEvents       = 64
	DefaultPollTimeout     = time.Duration(-1)
)

var ErrInvalidConfig = errors.New("invalid server config")

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the memdb server.
type ServerConfig struct {
	// Network
	Port    int
	Backlog int

	// Workers is the number of worker goroutines, <= 0 means one per available CPU
	Workers int
	// Shards is the number of store shards, <= 0 means one per available CPU
	Shards int

	// Event loop
	MaxEvents   int
	PollTimeout time.Duration // negative waits until an event arrives

	// ShutdownTimeout bounds how long Stop waits for running jobs
	ShutdownTimeout time.Duration

	// MetricsEndpoint is the listen address of the /metrics HTTP endpoint, empty disables it
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns the configuration used when no flags or env vars are set
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            DefaultPort,
		Backlog:         DefaultBacklog,
		MaxEvents:       DefaultMaxEvents,
		PollTimeout:     DefaultPollTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        DefaultLogLevel,
	}
}

// Validate checks the ranges of all fields
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("%w: max events must be positive, got %d", ErrInvalidConfig, c.MaxEvents)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive, got %s", ErrInvalidConfig, c.ShutdownTimeout)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orAuto := func(n int) string {
		if n <= 0 {
			return "auto"
		}
		return strconv.Itoa(n)
	}

	addSection("Network")
	addField("Port", strconv.Itoa(c.Port))
	addField("Backlog", strconv.Itoa(c.Backlog))

	addSection("Event Loop")
	addField("Max Events", strconv.Itoa(c.MaxEvents))
	if c.PollTimeout < 0 {
		addField("Poll Timeout", "none")
	} else {
		addField("Poll Timeout", c.PollTimeout.String())
	}

	addSection("Workers")
	addField("Threads", orAuto(c.Workers))
	addField("Shutdown Timeout", c.ShutdownTimeout.String())

	addSection("Store")
	addField("Shards", orAuto(c.Shards))

	addSection("Metrics")
	if c.MetricsEndpoint == "" {
		addField("Endpoint", "disabled")
	} else {
		addField("Endpoint", c.MetricsEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
