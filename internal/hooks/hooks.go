// Package hooks runs operator-configured commands after a renewal
// attempt, handing them the outcome through the environment.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/faults"
	"github.com/renewd/renewd/internal/retry"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	DefaultMaxOutputBytes = 64 * 1024
)

// Event is what a hook learns about the renewal that just finished.
type Event struct {
	CertPath  string
	KeyPath   string
	Domains   []string
	ServerURL string
	RenewedAt time.Time
	Status    string
	Error     string
}

// Env renders the event as the documented hook environment contract.
func (e Event) Env() []string {
	primary := ""
	if len(e.Domains) > 0 {
		primary = e.Domains[0]
	}
	env := []string{
		"CERT_PATH=" + e.CertPath,
		"KEY_PATH=" + e.KeyPath,
		"DOMAINS=" + strings.Join(e.Domains, ","),
		"PRIMARY_DOMAIN=" + primary,
		"ACME_SERVER_URL=" + e.ServerURL,
		"RENEWED_AT=" + e.RenewedAt.UTC().Format(time.RFC3339),
		"RENEW_STATUS=" + e.Status,
	}
	if e.Error != "" {
		env = append(env, "RENEW_ERROR="+e.Error)
	}
	return env
}

// limitedBuffer keeps the first max bytes written and discards the rest,
// so a chatty hook cannot balloon the agent's memory.
type limitedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - len(b.data)
	if remaining > 0 {
		if len(p) < remaining {
			remaining = len(p)
		}
		b.data = append(b.data, p[:remaining]...)
	}
	if len(b.data) >= b.max && remaining < len(p) {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := string(b.data)
	if b.truncated {
		out += " [output truncated]"
	}
	return out
}

// Run executes the hooks in order. A hook that exhausts its retries and is
// marked on_failure=stop aborts the remaining hooks with a hook fault;
// otherwise the failure is logged and the next hook runs.
func Run(ctx context.Context, commands []config.HookCommand, event Event, logger *log.Entry) error {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	for i, command := range commands {
		hookLogger := logger.WithFields(log.Fields{
			"hook":    i,
			"command": command.Command,
		})

		delays := make([]time.Duration, 0, len(command.RetryBackoffSecs))
		for _, secs := range command.RetryBackoffSecs {
			delays = append(delays, time.Duration(secs)*time.Second)
		}

		err := retry.WithBackoff(ctx, delays, func(attempt, remaining int) error {
			runErr := runOnce(ctx, command, event)
			if runErr != nil {
				hookLogger.WithError(runErr).WithFields(log.Fields{
					"attempt":   attempt,
					"remaining": remaining,
				}).Warn("Hook attempt failed")
			}
			return runErr
		})
		if err == nil {
			hookLogger.Info("Hook succeeded")
			continue
		}

		if command.OnFailure == config.HookFailureStop {
			return faults.Hook(fmt.Sprintf("hook %q failed, aborting remaining hooks", command.Command), err)
		}
		hookLogger.WithError(err).Error("Hook failed, continuing with remaining hooks")
	}
	return nil
}

func runOnce(ctx context.Context, command config.HookCommand, event Event) error {
	timeout := time.Duration(command.TimeoutSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxOutput := DefaultMaxOutputBytes
	if command.MaxOutputBytes != nil {
		maxOutput = int(*command.MaxOutputBytes)
	}
	output := &limitedBuffer{max: maxOutput}

	cmd := exec.CommandContext(runCtx, command.Command, command.Args...)
	cmd.Dir = command.WorkingDir
	cmd.Env = append(os.Environ(), event.Env()...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timed out after %s: %s", timeout, output.String())
		}
		return fmt.Errorf("%v: %s", err, output.String())
	}
	return nil
}
