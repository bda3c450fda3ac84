package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"version"})
	defer RootCmd.SetArgs(nil)

	if err := RootCmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "memdb v"+Version) {
		t.Errorf("unexpected version output: %q", out.String())
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "bench", "version"} {
		c, _, err := RootCmd.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Errorf("command %q not registered (err: %v)", name, err)
		}
	}
}
