//go:build integration

// Package firestoretest runs a throwaway Firestore emulator container for integration tests.
package firestoretest

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"
)

const (
	image        = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	readyTimeout = 30 * time.Second
)

// StartEmulator returns the host:port of a fresh emulator. Tests are skipped when docker
// cannot be used.
func StartEmulator(t testing.TB) string {
	t.Helper()
	if err := docker(5*time.Second, "info"); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	port, err := pickPort()
	if err != nil {
		t.Fatalf("pick port: %v", err)
	}
	out, err := exec.Command("docker", "run", "--detach", "--rm",
		"--publish", fmt.Sprintf("127.0.0.1:%d:8080", port),
		image, "gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	container := strings.TrimSpace(string(out))
	if err != nil || container == "" {
		t.Fatalf("start emulator: %v: %s", err, out)
	}
	t.Cleanup(func() { _ = docker(10*time.Second, "stop", container) })

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if err := awaitListener(addr, readyTimeout); err != nil {
		t.Fatalf("emulator at %s: %v", addr, err)
	}
	return addr
}

func docker(timeout time.Duration, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return exec.CommandContext(ctx, "docker", args...).Run()
}

func pickPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func awaitListener(addr string, timeout time.Duration) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-deadline:
			return fmt.Errorf("not ready after %s: %w", timeout, err)
		case <-ticker.C:
		}
	}
}
