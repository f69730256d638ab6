package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portlease.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigValidateCmd_ValidFile(t *testing.T) {
	path := writeConfigFile(t, "[pool]\nmin-port = 2200\nmax-port = 2210\n")

	var stdout, stderr bytes.Buffer
	code := runConfigValidateCmd([]string{"--config", path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit=%d stdout=%s stderr=%s", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "ok:") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestConfigValidateCmd_InvalidFile(t *testing.T) {
	path := writeConfigFile(t, "[pool]\nmin-port = 3000\nmax-port = 2000\n")

	var stdout, stderr bytes.Buffer
	code := runConfigValidateCmd([]string{"--config", path, "--format", "json"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}

	var payload configValidatePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OK || payload.Error == "" {
		t.Fatalf("payload=%+v, want failure with error detail", payload)
	}
}

func TestConfigValidateCmd_MissingFileIsValidDefaults(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runConfigValidateCmd([]string{"--config", filepath.Join(t.TempDir(), "absent.toml")}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit=%d stdout=%s", code, stdout.String())
	}
}

func TestConfigValidateCmd_BadFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runConfigValidateCmd([]string{"--format", "yaml"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit=%d, want 2", code)
	}
}
