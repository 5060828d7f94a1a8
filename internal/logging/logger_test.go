package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "logs", "hubd.log")

	logger, err := New(logPath, "work")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{`"msg":"hello"`, `"profile":"work"`, `"pid":`, `"ts":`} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("log line %q missing %s", data, want)
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"", "info"},
		{"debug", "debug"},
		{"WARN", "warn"},
		{"bogus", "info"},
	}
	for _, tt := range tests {
		t.Setenv(EnvLevel, tt.env)
		if got := Level().String(); got != tt.want {
			t.Errorf("Level() with %q = %s, want %s", tt.env, got, tt.want)
		}
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	t.Setenv(EnvLevel, "")
	logPath := filepath.Join(t.TempDir(), "hubd.log")
	logger, err := New(logPath, "work")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("quiet")
	logger.Info("loud")
	_ = logger.Sync()

	data, _ := os.ReadFile(logPath)
	if bytes.Contains(data, []byte("quiet")) {
		t.Errorf("debug line written at info level: %s", data)
	}
	if !bytes.Contains(data, []byte("loud")) {
		t.Errorf("info line missing: %s", data)
	}
}
