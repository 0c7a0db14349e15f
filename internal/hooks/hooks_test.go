package hooks

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/faults"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests shell out to /bin/sh")
	}
}

func shellHook(script string, extra func(*config.HookCommand)) config.HookCommand {
	cmd := config.HookCommand{
		Command:     "/bin/sh",
		Args:        []string{"-c", script},
		TimeoutSecs: 5,
	}
	if extra != nil {
		extra(&cmd)
	}
	return cmd
}

func testEvent() Event {
	return Event{
		CertPath:  "/var/lib/renewd/cert.pem",
		KeyPath:   "/var/lib/renewd/key.pem",
		Domains:   []string{"svc.example.com", "alt.example.com"},
		ServerURL: "https://ca.internal/directory",
		RenewedAt: time.Unix(1700000000, 0),
		Status:    StatusSuccess,
	}
}

func TestEventEnvContract(t *testing.T) {
	event := testEvent()
	event.Status = StatusFailure
	event.Error = "network error: dial tcp"

	env := map[string]string{}
	for _, kv := range event.Env() {
		parts := strings.SplitN(kv, "=", 2)
		env[parts[0]] = parts[1]
	}

	want := map[string]string{
		"CERT_PATH":       "/var/lib/renewd/cert.pem",
		"KEY_PATH":        "/var/lib/renewd/key.pem",
		"DOMAINS":         "svc.example.com,alt.example.com",
		"PRIMARY_DOMAIN":  "svc.example.com",
		"ACME_SERVER_URL": "https://ca.internal/directory",
		"RENEW_STATUS":    "failure",
		"RENEW_ERROR":     "network error: dial tcp",
	}
	for key, value := range want {
		if env[key] != value {
			t.Errorf("env %s = %q, want %q", key, env[key], value)
		}
	}
	if _, err := time.Parse(time.RFC3339, env["RENEWED_AT"]); err != nil {
		t.Errorf("RENEWED_AT %q is not RFC3339: %v", env["RENEWED_AT"], err)
	}
}

func TestEventEnvOmitsErrorOnSuccess(t *testing.T) {
	for _, kv := range testEvent().Env() {
		if strings.HasPrefix(kv, "RENEW_ERROR=") {
			t.Fatalf("success event exported %q", kv)
		}
	}
}

func TestRunPassesEnvironmentToHook(t *testing.T) {
	requireShell(t)
	outFile := filepath.Join(t.TempDir(), "env.txt")

	hook := shellHook(`echo "$PRIMARY_DOMAIN $RENEW_STATUS" > `+outFile, nil)
	if err := Run(context.Background(), []config.HookCommand{hook}, testEvent(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("reading hook output: %v", err)
	}
	if strings.TrimSpace(string(got)) != "svc.example.com success" {
		t.Fatalf("hook saw %q", got)
	}
}

func TestRunRetriesFailingHook(t *testing.T) {
	requireShell(t)
	marker := filepath.Join(t.TempDir(), "marker")

	// Fails once, then succeeds on the retry.
	script := `if [ -f ` + marker + ` ]; then exit 0; else touch ` + marker + `; exit 1; fi`
	hook := shellHook(script, func(c *config.HookCommand) {
		c.RetryBackoffSecs = []uint64{0}
	})

	if err := Run(context.Background(), []config.HookCommand{hook}, testEvent(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunContinuesPastFailureByDefault(t *testing.T) {
	requireShell(t)
	outFile := filepath.Join(t.TempDir(), "second.txt")

	hooks := []config.HookCommand{
		shellHook("exit 1", nil),
		shellHook("touch "+outFile, nil),
	}
	if err := Run(context.Background(), hooks, testEvent(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(outFile); err != nil {
		t.Fatal("second hook did not run after first failed")
	}
}

func TestRunStopsWhenConfigured(t *testing.T) {
	requireShell(t)
	outFile := filepath.Join(t.TempDir(), "second.txt")

	hooks := []config.HookCommand{
		shellHook("exit 1", func(c *config.HookCommand) {
			c.OnFailure = config.HookFailureStop
		}),
		shellHook("touch "+outFile, nil),
	}

	err := Run(context.Background(), hooks, testEvent(), nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if !faults.IsKind(err, faults.KindHook) {
		t.Fatalf("expected hook fault, got %v", err)
	}
	if _, statErr := os.Stat(outFile); statErr == nil {
		t.Fatal("second hook ran after stop")
	}
}

func TestRunKillsHookOnTimeout(t *testing.T) {
	requireShell(t)

	hook := shellHook("sleep 30", func(c *config.HookCommand) {
		c.TimeoutSecs = 1
		c.OnFailure = config.HookFailureStop
	})

	start := time.Now()
	err := Run(context.Background(), []config.HookCommand{hook}, testEvent(), nil)
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("hook was not killed promptly, took %s", elapsed)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLimitedBufferTruncates(t *testing.T) {
	buffer := &limitedBuffer{max: 8}
	if _, err := buffer.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := buffer.String()
	if !strings.HasPrefix(got, "01234567") {
		t.Fatalf("buffer kept %q", got)
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("buffer did not flag truncation: %q", got)
	}
}
