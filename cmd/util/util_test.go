package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"11111", 11111, false},
		{"1", 1, false},
		{"65535", 65535, false},
		{"80", 80, false},
		{"", 0, true},
		{"0", 0, true},
		{"08080", 0, true},
		{"65536", 0, true},
		{"99999", 0, true},
		{"123456", 0, true},
		{"-1", 0, true},
		{"+80", 0, true},
		{" 80", 0, true},
		{"80a", 0, true},
		{"0x50", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPort) {
					t.Errorf("ParsePort(%q): expected ErrInvalidPort, got %v", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePort(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePort(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 40)
	wrapped := WrapString(text)

	for _, line := range strings.Split(wrapped, "\n") {
		if len(line) > Wrap {
			t.Errorf("line exceeds %d characters: %q", Wrap, line)
		}
	}
	if got := strings.Join(strings.Fields(wrapped), " "); got != strings.TrimSpace(text) {
		t.Errorf("wrapping changed the words: %q", got)
	}

	if WrapString("") != "" {
		t.Error("expected empty string")
	}

	// a single long word is never split
	long := strings.Repeat("x", Wrap+10)
	if WrapString(long) != long {
		t.Errorf("long word was modified")
	}
}

func TestInitConfigReadsEnv(t *testing.T) {
	t.Setenv("MEMDB_MAX_EVENTS", "17")
	InitConfig()
	if got := viper.GetInt("max-events"); got != 17 {
		t.Errorf("expected max-events 17 from the environment, got %d", got)
	}
}

func TestInitConfigLoadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MEMDB_SHUTDOWN_LABEL=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("MEMDB_SHUTDOWN_LABEL")
	})

	InitConfig()
	if got := viper.GetString("shutdown-label"); got != "from-dotenv" {
		t.Errorf("expected value from .env, got %q", got)
	}
}
