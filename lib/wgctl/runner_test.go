package wgctl

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

func TestLocalRunner_Stdout(t *testing.T) {
	r := &LocalRunner{}

	out, err := r.Run(context.Background(), nil, "echo", "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("stdout = %q, want hello", out)
	}
}

func TestLocalRunner_StdinReachesProcess(t *testing.T) {
	r := &LocalRunner{}

	out, err := r.Run(context.Background(), []byte("secret\n"), "cat")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "secret\n" {
		t.Errorf("stdout = %q, want stdin echoed back", out)
	}
}

func TestLocalRunner_ExitFailure(t *testing.T) {
	r := &LocalRunner{}

	_, err := r.Run(context.Background(), nil, "sh", "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatal("Run should fail on non-zero exit")
	}

	var ce *errors.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T, want CommandError", err)
	}
	if ce.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", ce.ExitCode)
	}
	if !strings.Contains(ce.Stderr, "boom") {
		t.Errorf("stderr = %q, want captured output", ce.Stderr)
	}
	if !strings.Contains(ce.Command, "sh -c") {
		t.Errorf("command = %q", ce.Command)
	}
}

func TestLocalRunner_MissingBinary(t *testing.T) {
	r := &LocalRunner{}

	_, err := r.Run(context.Background(), nil, "wgkeeper-no-such-binary")
	if err == nil {
		t.Fatal("Run should fail for a missing binary")
	}
	var ce *errors.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T, want CommandError", err)
	}
	if ce.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 when the process never ran", ce.ExitCode)
	}
}

func TestLocalRunner_Timeout(t *testing.T) {
	r := &LocalRunner{Timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := r.Run(context.Background(), nil, "sleep", "5")
	if !errors.IsTimeout(err) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("hung command not terminated promptly, took %v", elapsed)
	}
}
