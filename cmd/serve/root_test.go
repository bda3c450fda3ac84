package serve

import (
	"errors"
	"testing"
	"time"

	cmdUtil "github.com/ValentinKolb/memdb/cmd/util"
	"github.com/ValentinKolb/memdb/server/common"
)

// setFlags sets the given flags on ServeCmd and restores their defaults afterwards
func setFlags(t *testing.T, values map[string]string) {
	t.Helper()
	for name, value := range values {
		f := ServeCmd.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("unknown flag %q", name)
		}
		def := f.DefValue
		if err := ServeCmd.Flags().Set(name, value); err != nil {
			t.Fatalf("failed to set %s=%s: %v", name, value, err)
		}
		t.Cleanup(func() {
			_ = ServeCmd.Flags().Set(name, def)
		})
	}
}

func TestProcessConfigDefaults(t *testing.T) {
	if err := processConfig(ServeCmd, nil); err != nil {
		t.Fatalf("processConfig failed: %v", err)
	}
	if serveCmdConfig.Port != common.DefaultPort {
		t.Errorf("expected port %d, got %d", common.DefaultPort, serveCmdConfig.Port)
	}
	if serveCmdConfig.ShutdownTimeout != common.DefaultShutdownTimeout {
		t.Errorf("expected shutdown timeout %s, got %s", common.DefaultShutdownTimeout, serveCmdConfig.ShutdownTimeout)
	}
	if serveCmdConfig.MetricsEndpoint != "" {
		t.Errorf("metrics endpoint should be disabled by default")
	}
}

func TestProcessConfigFlags(t *testing.T) {
	setFlags(t, map[string]string{
		"port":             "8080",
		"threads":          "3",
		"shards":           "7",
		"max-events":       "32",
		"shutdown-timeout": "2s",
		"metrics-endpoint": "localhost:9100",
		"log-level":        "debug",
	})

	if err := processConfig(ServeCmd, nil); err != nil {
		t.Fatalf("processConfig failed: %v", err)
	}

	cfg := serveCmdConfig
	if cfg.Port != 8080 || cfg.Workers != 3 || cfg.Shards != 7 || cfg.MaxEvents != 32 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 2*time.Second {
		t.Errorf("expected 2s shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
	if cfg.MetricsEndpoint != "localhost:9100" || cfg.LogLevel != "debug" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestProcessConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		flags map[string]string
		want  error
	}{
		{"leading zero port", map[string]string{"port": "0080"}, cmdUtil.ErrInvalidPort},
		{"port out of range", map[string]string{"port": "70000"}, cmdUtil.ErrInvalidPort},
		{"non numeric port", map[string]string{"port": "http"}, cmdUtil.ErrInvalidPort},
		{"zero max events", map[string]string{"max-events": "0"}, common.ErrInvalidConfig},
		{"unknown log level", map[string]string{"log-level": "loud"}, common.ErrInvalidConfig},
		{"mem limit ratio", map[string]string{"mem-limit-ratio": "1.5"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFlags(t, tt.flags)
			err := processConfig(ServeCmd, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
