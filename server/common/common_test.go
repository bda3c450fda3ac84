package common

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Port != 11111 {
		t.Errorf("expected default port 11111, got %d", cfg.Port)
	}
	if cfg.Backlog != 128 {
		t.Errorf("expected default backlog 128, got %d", cfg.Backlog)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ServerConfig)
	}{
		{"port too large", func(c *ServerConfig) { c.Port = 65536 }},
		{"negative port", func(c *ServerConfig) { c.Port = -1 }},
		{"zero max events", func(c *ServerConfig) { c.MaxEvents = 0 }},
		{"zero shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }},
		{"unknown log level", func(c *ServerConfig) { c.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Workers = 4
	cfg.ShutdownTimeout = 3 * time.Second

	s := cfg.String()
	for _, want := range []string{"NETWORK", "11111", "Threads", ": 4", "Shards", "auto", "3s", "disabled", "none"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected config string to contain %q:\n%s", want, s)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLogLevel("trace"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	l := CreateLogger("server")
	l.Infof("hello %d", 42)
	l.Debugf("hidden")

	out := buf.String()
	if !strings.Contains(out, "INFO  | server          | hello 42") {
		t.Errorf("unexpected log line: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message logged at info level: %q", out)
	}

	buf.Reset()
	l.SetLevel(logger.DEBUG)
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "DEBUG | server          | visible") {
		t.Errorf("expected debug message, got %q", buf.String())
	}
}
