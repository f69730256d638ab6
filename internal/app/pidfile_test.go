package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestClaimPIDFile_WritesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portlease.pid")

	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid file contents=%q, want own pid %d", b, os.Getpid())
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after release: %v", err)
	}
}

func TestClaimPIDFile_RefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portlease.pid")
	if err := writePIDFile(path, os.Getpid()); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	if _, err := claimPIDFile(path); err == nil {
		t.Fatal("claim succeeded over a live process")
	}
}

func TestClaimPIDFile_ReplacesDeadProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portlease.pid")
	// PID above the default kernel pid_max; nothing real has it.
	if err := writePIDFile(path, 4194305); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim over stale pid: %v", err)
	}
	release()
}

func TestClaimPIDFile_EmptyPathIsNoOp(t *testing.T) {
	release, err := claimPIDFile("")
	if err != nil {
		t.Fatalf("claim empty path: %v", err)
	}
	release()
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portlease.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Fatal("expected error for garbage pid file")
	}
}
