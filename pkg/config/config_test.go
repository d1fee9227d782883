package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TRACECTL_HOME", home)

	conf := LoadConfig()
	if conf == nil {
		t.Fatal("LoadConfig returned nil")
	}
	if _, err := os.Stat(filepath.Join(home, "config.yml")); err != nil {
		t.Errorf("default config file was not created: %v", err)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("TRACECTL_HOME", t.TempDir())

	timeout := 1500
	in := &Config{
		Aliases:       map[string][]string{"run": {"/bin/true", "--flag"}},
		PipeTimeoutMs: &timeout,
		DisableASLR:   true,
		LogOutput:     "debugger,pipe",
	}
	if err := SaveConfig(in); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	out := LoadConfig()
	if out.PipeTimeoutMs == nil || *out.PipeTimeoutMs != timeout {
		t.Errorf("pipe timeout did not round trip: %v", out.PipeTimeoutMs)
	}
	if !out.DisableASLR {
		t.Error("disable-aslr did not round trip")
	}
	if out.LogOutput != in.LogOutput {
		t.Errorf("log-output = %q, want %q", out.LogOutput, in.LogOutput)
	}
	alias := out.Aliases["run"]
	if len(alias) != 2 || alias[0] != "/bin/true" {
		t.Errorf("aliases did not round trip: %v", out.Aliases)
	}
}
