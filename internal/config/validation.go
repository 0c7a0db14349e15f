package config

import (
	"fmt"
	"time"

	"github.com/renewd/renewd/internal/faults"
)

func isASCII(s string) bool {
	for _, ch := range s {
		if ch > 127 {
			return false
		}
	}
	return true
}

func isASCIIDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate checks every constraint the rest of the process relies on. It
// must pass before a single network request is made; a failure aborts the
// run with a config fault.
func Validate(s *Settings) error {
	if s.Domain == "" {
		return faults.Config("domain must not be empty")
	}
	if !isASCII(s.Domain) {
		return faults.Config("domain must be ASCII")
	}
	if s.Server == "" {
		return faults.Config("server must not be empty")
	}
	if s.ACME.DirectoryFetchAttempts == 0 {
		return faults.Config("acme.directory_fetch_attempts must be greater than 0")
	}
	if s.ACME.HTTPResponderURL != "" && s.ACME.HTTPResponderHMAC == "" {
		return faults.Config("acme.http_responder_hmac must not be empty when a responder is configured")
	}
	if s.ACME.HTTPResponderTimeoutSecs == 0 {
		return faults.Config("acme.http_responder_timeout_secs must be greater than 0")
	}
	if s.ACME.HTTPResponderTokenTTLSecs == 0 {
		return faults.Config("acme.http_responder_token_ttl_secs must be greater than 0")
	}
	if s.ACME.PollAttempts == 0 {
		return faults.Config("acme.poll_attempts must be greater than 0")
	}
	if s.ACME.PollIntervalSecs == 0 {
		return faults.Config("acme.poll_interval_secs must be greater than 0")
	}
	if s.ACME.DirectoryFetchBaseDelaySecs == 0 {
		return faults.Config("acme.directory_fetch_base_delay_secs must be greater than 0")
	}
	if s.ACME.DirectoryFetchMaxDelaySecs == 0 {
		return faults.Config("acme.directory_fetch_max_delay_secs must be greater than 0")
	}
	if s.ACME.DirectoryFetchBaseDelaySecs > s.ACME.DirectoryFetchMaxDelaySecs {
		return faults.Config("acme.directory_fetch_base_delay_secs must be <= acme.directory_fetch_max_delay_secs")
	}
	if len(s.Retry.BackoffSecs) == 0 {
		return faults.Config("retry.backoff_secs must not be empty")
	}
	if err := validateBackoff(s.Retry.BackoffSecs, "retry.backoff_secs"); err != nil {
		return err
	}
	if err := validateTrust(&s.Trust); err != nil {
		return err
	}
	if err := validateScheduler(&s.Scheduler, "scheduler"); err != nil {
		return err
	}
	if s.Scheduler.MaxConcurrentIssuances == 0 {
		return faults.Config("scheduler.max_concurrent_issuances must be greater than 0")
	}
	if len(s.Profiles) == 0 {
		return faults.Config("profiles must not be empty")
	}
	for i := range s.Profiles {
		if err := validateProfile(&s.Profiles[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateTrust(trust *TrustSettings) error {
	if trust.CABundlePath != "" || len(trust.TrustedCASHA256) > 0 {
		if trust.CABundlePath == "" {
			return faults.Config("trust.ca_bundle_path must be set when trust is configured")
		}
		if len(trust.TrustedCASHA256) == 0 {
			return faults.Config("trust.trusted_ca_sha256 must not be empty when trust is configured")
		}
	}
	for _, fingerprint := range trust.TrustedCASHA256 {
		if len(fingerprint) != 64 {
			return faults.Config("trust.trusted_ca_sha256 must be 64 hex chars")
		}
		if !isHex(fingerprint) {
			return faults.Config("trust.trusted_ca_sha256 must be hex")
		}
	}
	return nil
}

func validateScheduler(sched *SchedulerSettings, label string) error {
	durations := []struct {
		value string
		key   string
	}{
		{sched.CheckInterval, label + ".check_interval"},
		{sched.RenewBefore, label + ".renew_before"},
		{sched.CheckJitter, label + ".check_jitter"},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return faults.Configf("invalid %s value %q: %v", d.key, d.value, err)
		}
	}
	return nil
}

func validateProfile(p *Profile) error {
	if p.ServiceName == "" {
		return faults.Config("profiles.service_name must not be empty")
	}
	if !isASCII(p.ServiceName) {
		return faults.Config("profiles.service_name must be ASCII")
	}
	if p.Hostname == "" {
		return faults.Config("profiles.hostname must not be empty")
	}
	if !isASCII(p.Hostname) {
		return faults.Config("profiles.hostname must be ASCII")
	}
	if !isASCIIDigits(p.InstanceID) {
		return faults.Config("profiles.instance_id must be numeric")
	}
	for _, domain := range p.Domains {
		if domain == "" {
			return faults.Config("profiles.domains entries must not be empty")
		}
		if !isASCII(domain) {
			return faults.Config("profiles.domains entries must be ASCII")
		}
	}
	if p.Paths.Cert == "" {
		return faults.Config("profiles.paths.cert must not be empty")
	}
	if p.Paths.Key == "" {
		return faults.Config("profiles.paths.key must not be empty")
	}
	if p.Retry != nil {
		if err := validateBackoff(p.Retry.BackoffSecs, "profiles.retry.backoff_secs"); err != nil {
			return err
		}
	}
	if p.Scheduler != nil {
		if err := validateScheduler(p.Scheduler, "profiles.scheduler"); err != nil {
			return err
		}
	}
	if p.EAB != nil && (p.EAB.KID == "") != (p.EAB.HMAC == "") {
		return faults.Config("profiles.eab kid and hmac must be provided together")
	}
	if err := validateHooks(p.Hooks.PostRenew.Success, "profiles.hooks.post_renew.success"); err != nil {
		return err
	}
	if err := validateHooks(p.Hooks.PostRenew.Failure, "profiles.hooks.post_renew.failure"); err != nil {
		return err
	}
	return nil
}

func validateHooks(hooks []HookCommand, label string) error {
	for _, hook := range hooks {
		if hook.Command == "" {
			return faults.Configf("%s hook command must not be empty", label)
		}
		if hook.TimeoutSecs == 0 {
			return faults.Configf("%s hook timeout_secs must be greater than 0", label)
		}
		if err := validateBackoff(hook.RetryBackoffSecs, fmt.Sprintf("%s hook retry_backoff_secs", label)); err != nil {
			return err
		}
		if hook.MaxOutputBytes != nil && *hook.MaxOutputBytes == 0 {
			return faults.Configf("%s hook max_output_bytes must be greater than 0", label)
		}
		switch hook.OnFailure {
		case "", HookFailureContinue, HookFailureStop:
		default:
			return faults.Configf("%s hook on_failure must be %q or %q", label, HookFailureContinue, HookFailureStop)
		}
	}
	return nil
}

func validateBackoff(backoffSecs []uint64, label string) error {
	for _, secs := range backoffSecs {
		if secs == 0 {
			return faults.Configf("%s values must be greater than 0", label)
		}
	}
	return nil
}
