package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/renewd/renewd/internal/faults"
)

// Settings is the whole agent configuration. It is loaded once per process
// invocation and treated as read-mostly; the only mutation path is the trust
// hardening write-back, which goes through Store.
type Settings struct {
	Email             string `yaml:"email"`
	Domain            string `yaml:"domain"`
	Server            string `yaml:"server"`
	SPIFFETrustDomain string `yaml:"spiffe_trust_domain,omitempty"`

	ACME      ACMESettings      `yaml:"acme"`
	Retry     RetrySettings     `yaml:"retry"`
	Trust     TrustSettings     `yaml:"trust"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
	Profiles  []Profile         `yaml:"profiles"`
}

type ACMESettings struct {
	HTTPChallengePort uint16 `yaml:"http_challenge_port"`

	HTTPResponderURL          string `yaml:"http_responder_url,omitempty"`
	HTTPResponderHMAC         string `yaml:"http_responder_hmac,omitempty"`
	HTTPResponderTimeoutSecs  uint64 `yaml:"http_responder_timeout_secs"`
	HTTPResponderTokenTTLSecs uint64 `yaml:"http_responder_token_ttl_secs"`

	DirectoryFetchAttempts      uint64 `yaml:"directory_fetch_attempts"`
	DirectoryFetchBaseDelaySecs uint64 `yaml:"directory_fetch_base_delay_secs"`
	DirectoryFetchMaxDelaySecs  uint64 `yaml:"directory_fetch_max_delay_secs"`

	PollAttempts     uint64 `yaml:"poll_attempts"`
	PollIntervalSecs uint64 `yaml:"poll_interval_secs"`
}

type RetrySettings struct {
	BackoffSecs []uint64 `yaml:"backoff_secs"`
}

// BackoffDelays converts the configured seconds into durations for the
// retry engine.
func (r RetrySettings) BackoffDelays() []time.Duration {
	delays := make([]time.Duration, 0, len(r.BackoffSecs))
	for _, secs := range r.BackoffSecs {
		delays = append(delays, time.Duration(secs)*time.Second)
	}
	return delays
}

type TrustSettings struct {
	VerifyCertificates bool     `yaml:"verify_certificates"`
	CABundlePath       string   `yaml:"ca_bundle_path,omitempty"`
	TrustedCASHA256    []string `yaml:"trusted_ca_sha256,omitempty"`
}

type SchedulerSettings struct {
	MaxConcurrentIssuances uint64 `yaml:"max_concurrent_issuances"`
	CheckInterval          string `yaml:"check_interval"`
	RenewBefore            string `yaml:"renew_before"`
	CheckJitter            string `yaml:"check_jitter"`
}

type Profile struct {
	ServiceName string   `yaml:"service_name"`
	Hostname    string   `yaml:"hostname"`
	InstanceID  string   `yaml:"instance_id"`
	Domains     []string `yaml:"domains,omitempty"`
	URISAN      bool     `yaml:"uri_san,omitempty"`

	Paths     Paths              `yaml:"paths"`
	Retry     *RetrySettings     `yaml:"retry,omitempty"`
	Scheduler *SchedulerSettings `yaml:"scheduler,omitempty"`
	Hooks     HookSettings       `yaml:"hooks,omitempty"`
	EAB       *EABSettings       `yaml:"eab,omitempty"`
}

type Paths struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type EABSettings struct {
	KID  string `yaml:"kid"`
	HMAC string `yaml:"hmac"`
}

type HookSettings struct {
	PostRenew PostRenewHooks `yaml:"post_renew,omitempty"`
}

type PostRenewHooks struct {
	Success []HookCommand `yaml:"success,omitempty"`
	Failure []HookCommand `yaml:"failure,omitempty"`
}

const (
	HookFailureContinue = "continue"
	HookFailureStop     = "stop"
)

type HookCommand struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args,omitempty"`
	WorkingDir       string   `yaml:"working_dir,omitempty"`
	TimeoutSecs      uint64   `yaml:"timeout_secs"`
	RetryBackoffSecs []uint64 `yaml:"retry_backoff_secs,omitempty"`
	MaxOutputBytes   *uint64  `yaml:"max_output_bytes,omitempty"`
	OnFailure        string   `yaml:"on_failure,omitempty"`
}

const (
	DefaultServer            = "https://localhost:9000/acme/acme/directory"
	DefaultEmail             = "admin@example.com"
	DefaultDomain            = "renewd-agent"
	DefaultHTTPChallengePort = 80

	DefaultResponderTimeoutSecs  = 5
	DefaultResponderTokenTTLSecs = 300

	DefaultDirectoryFetchAttempts      = 10
	DefaultDirectoryFetchBaseDelaySecs = 1
	DefaultDirectoryFetchMaxDelaySecs  = 10
	DefaultPollAttempts                = 15
	DefaultPollIntervalSecs            = 2

	DefaultMaxConcurrentIssuances = 2
	DefaultCheckInterval          = "1h"
	DefaultRenewBefore            = "720h"
	DefaultCheckJitter            = "5m"
)

// DefaultRetryBackoffSecs is applied when no retry policy is configured.
var DefaultRetryBackoffSecs = []uint64{5, 10, 30}

func defaults() Settings {
	return Settings{
		Email:  DefaultEmail,
		Domain: DefaultDomain,
		Server: DefaultServer,
		ACME: ACMESettings{
			HTTPChallengePort:           DefaultHTTPChallengePort,
			HTTPResponderTimeoutSecs:    DefaultResponderTimeoutSecs,
			HTTPResponderTokenTTLSecs:   DefaultResponderTokenTTLSecs,
			DirectoryFetchAttempts:      DefaultDirectoryFetchAttempts,
			DirectoryFetchBaseDelaySecs: DefaultDirectoryFetchBaseDelaySecs,
			DirectoryFetchMaxDelaySecs:  DefaultDirectoryFetchMaxDelaySecs,
			PollAttempts:                DefaultPollAttempts,
			PollIntervalSecs:            DefaultPollIntervalSecs,
		},
		Retry: RetrySettings{
			BackoffSecs: append([]uint64(nil), DefaultRetryBackoffSecs...),
		},
		Scheduler: SchedulerSettings{
			MaxConcurrentIssuances: DefaultMaxConcurrentIssuances,
			CheckInterval:          DefaultCheckInterval,
			RenewBefore:            DefaultRenewBefore,
			CheckJitter:            DefaultCheckJitter,
		},
	}
}

// Load reads the YAML settings file at path on top of the defaults. A
// missing file yields the defaults; a malformed file is a config fault.
// Validate is not called here: callers validate once, before any network
// activity.
func Load(path string) (*Settings, error) {
	settings := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, faults.Configf("failed to read settings file %s: %v", path, err)
	}

	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, faults.Configf("failed to parse settings file %s: %v", path, err)
	}

	return &settings, nil
}

// ProfileDomains resolves the identifiers a profile orders certificates
// for; the top-level domain is the fallback.
func (s *Settings) ProfileDomains(p *Profile) []string {
	if len(p.Domains) > 0 {
		return p.Domains
	}
	return []string{s.Domain}
}

// ProfileBackoff resolves the per-profile retry policy, falling back to the
// global one.
func (s *Settings) ProfileBackoff(p *Profile) []time.Duration {
	if p.Retry != nil {
		return p.Retry.BackoffDelays()
	}
	return s.Retry.BackoffDelays()
}

// ProfileScheduler resolves the scheduler knobs for one profile, merging
// per-profile overrides over the top-level values.
func (s *Settings) ProfileScheduler(p *Profile) SchedulerSettings {
	merged := s.Scheduler
	if p.Scheduler == nil {
		return merged
	}
	if p.Scheduler.CheckInterval != "" {
		merged.CheckInterval = p.Scheduler.CheckInterval
	}
	if p.Scheduler.RenewBefore != "" {
		merged.RenewBefore = p.Scheduler.RenewBefore
	}
	if p.Scheduler.CheckJitter != "" {
		merged.CheckJitter = p.Scheduler.CheckJitter
	}
	return merged
}

// SPIFFEURI builds the URI SAN for a profile when uri_san is enabled.
func (s *Settings) SPIFFEURI(p *Profile) string {
	return fmt.Sprintf("spiffe://%s/%s/%s/%s", s.SPIFFETrustDomain, p.Hostname, p.ServiceName, p.InstanceID)
}

// ParseDurationSetting parses a humane duration string such as "1h30m",
// annotating failures with the setting key.
func ParseDurationSetting(value, key string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, faults.Configf("invalid %s value %q: %v", key, value, err)
	}
	if d < 0 {
		return 0, faults.Configf("%s must not be negative", key)
	}
	return d, nil
}
