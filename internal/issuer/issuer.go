// Package issuer drives one certificate through the full lifecycle:
// trust resolution, ACME order, http-01 validation, finalization,
// persisting the key material and upgrading the persisted trust state.
package issuer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/renewd/renewd/internal/acmeclient"
	"github.com/renewd/renewd/internal/challenge"
	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/eab"
	"github.com/renewd/renewd/internal/faults"
	"github.com/renewd/renewd/internal/hooks"
	"github.com/renewd/renewd/internal/retry"
	"github.com/renewd/renewd/internal/trust"
)

// ObservedBundleFilename is written next to the settings file when the
// trust state is hardened after an insecure bootstrap.
const ObservedBundleFilename = "trusted-ca-bundle.pem"

type Orchestrator struct {
	Store     *config.Store
	Publisher challenge.Publisher

	// DirectoryURL wins over the configured server when set (CLI flag).
	DirectoryURL string

	// InsecureOverride mirrors the --insecure flag: skip verification for
	// this run without touching the persisted trust state afterwards.
	InsecureOverride bool

	// EAB is the process-wide external account binding; a profile-level
	// binding takes precedence.
	EAB *eab.Credentials

	settings *config.Settings
	trustMu  sync.Mutex
}

func NewOrchestrator(store *config.Store, settings *config.Settings, publisher challenge.Publisher) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		Publisher: publisher,
		settings:  settings,
	}
}

func (o *Orchestrator) Settings() *config.Settings {
	return o.settings
}

func (o *Orchestrator) directoryURL() string {
	if o.DirectoryURL != "" {
		return o.DirectoryURL
	}
	return o.settings.Server
}

// currentTrust reads the trust settings under the hardening lock, since a
// concurrent profile may have just upgraded them.
func (o *Orchestrator) currentTrust() config.TrustSettings {
	o.trustMu.Lock()
	defer o.trustMu.Unlock()
	t := o.settings.Trust
	t.TrustedCASHA256 = append([]string(nil), t.TrustedCASHA256...)
	return t
}

// IssueAndNotify runs the issuance with the profile's retry policy, then
// fires the matching post-renew hooks. Hook failures are logged but never
// mask the issuance result.
func (o *Orchestrator) IssueAndNotify(ctx context.Context, profile *config.Profile) error {
	logger := log.WithFields(log.Fields{
		"profile": profile.ServiceName,
		"run_id":  uuid.NewString(),
	})

	delays := o.settings.ProfileBackoff(profile)
	issueErr := retry.WithBackoffAndSleep(
		ctx,
		func() error {
			err := o.Issue(ctx, profile, logger)
			if err != nil && !retryable(err) {
				return retry.Abort(err)
			}
			return err
		},
		retry.Sleep,
		func(attempt int, err error) {
			logger.WithError(err).WithField("attempt", attempt).Warn("Issuance attempt failed")
		},
		delays,
	)

	o.runHooks(ctx, profile, issueErr, logger)

	if issueErr != nil {
		if f := faults.Of(issueErr); f != nil && f.Profile == "" {
			return f.WithProfile(profile.ServiceName)
		}
	}
	return issueErr
}

// retryable reports whether another attempt could plausibly succeed.
// Trust and config problems need operator action first.
func retryable(err error) bool {
	switch faults.KindOf(err) {
	case faults.KindTrust, faults.KindConfig:
		return false
	}
	return !faults.IsHardening(err)
}

func (o *Orchestrator) runHooks(ctx context.Context, profile *config.Profile, issueErr error, logger *log.Entry) {
	event := hooks.Event{
		CertPath:  profile.Paths.Cert,
		KeyPath:   profile.Paths.Key,
		Domains:   o.settings.ProfileDomains(profile),
		ServerURL: o.directoryURL(),
		RenewedAt: time.Now(),
		Status:    hooks.StatusSuccess,
	}
	commands := profile.Hooks.PostRenew.Success
	if issueErr != nil {
		event.Status = hooks.StatusFailure
		event.Error = issueErr.Error()
		commands = profile.Hooks.PostRenew.Failure
	}
	if len(commands) == 0 {
		return
	}

	if err := hooks.Run(ctx, commands, event, logger); err != nil {
		logger.WithError(err).Error("Post-renew hooks aborted")
	}
}

// Issue performs a single issuance attempt for the profile.
func (o *Orchestrator) Issue(ctx context.Context, profile *config.Profile, logger *log.Entry) error {
	if logger == nil {
		logger = log.WithField("profile", profile.ServiceName)
	}

	trustSettings := o.currentTrust()
	resolver := trust.NewResolver(trustSettings, o.InsecureOverride)
	tlsConf, err := resolver.TLSConfig()
	if err != nil {
		return err
	}

	client, err := acmeclient.New(o.directoryURL(), o.settings.ACME, tlsConf, logger)
	if err != nil {
		return err
	}

	if err := client.FetchDirectory(ctx); err != nil {
		return err
	}

	creds := o.EAB
	// Validation guarantees kid and hmac come together; an empty block
	// means no binding.
	if profile.EAB != nil && profile.EAB.KID != "" {
		creds = &eab.Credentials{KID: profile.EAB.KID, HMAC: profile.EAB.HMAC}
	}
	if err := client.RegisterAccount(ctx, o.settings.Email, creds); err != nil {
		return err
	}

	domains := o.settings.ProfileDomains(profile)
	order, err := client.NewOrder(ctx, domains)
	if err != nil {
		return err
	}
	logger.WithField("order_url", order.URL).WithField("domains", domains).Info("Order created")

	for _, authzURL := range order.Authorizations {
		if err := o.validateAuthorization(ctx, client, authzURL, logger); err != nil {
			return err
		}
	}

	order, err = o.pollOrder(ctx, client, order.URL, acmeclient.OrderReady, acmeclient.OrderValid)
	if err != nil {
		return err
	}

	var certKey crypto.PrivateKey
	if order.Status == acmeclient.OrderReady {
		order, certKey, err = o.finalize(ctx, client, order, profile, domains)
		if err != nil {
			return err
		}
	}
	if order.Certificate == "" {
		return faults.Protocolf("order is valid but carries no certificate URL")
	}

	chain, err := client.DownloadCertificate(ctx, order.Certificate)
	if err != nil {
		return err
	}

	if err := o.persistKeyPair(profile, certKey, chain); err != nil {
		return err
	}
	logger.WithField("cert_path", profile.Paths.Cert).Info("Certificate issued")

	return o.hardenTrust(resolver, trustSettings, logger)
}

func (o *Orchestrator) validateAuthorization(ctx context.Context, client *acmeclient.Client, authzURL string, logger *log.Entry) error {
	authz, err := client.FetchAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == acmeclient.AuthzValid {
		logger.WithField("identifier", authz.Identifier.Value).Debug("Authorization already valid")
		return nil
	}
	if authz.Status != acmeclient.AuthzPending {
		return faults.Protocolf("authorization for %s is %s, cannot proceed", authz.Identifier.Value, authz.Status)
	}

	var httpChallenge *acmeclient.Challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == acmeclient.ChallengeHTTP01 {
			httpChallenge = &authz.Challenges[i]
			break
		}
	}
	if httpChallenge == nil {
		return faults.Protocolf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}

	keyAuthorization, err := client.KeyAuthorization(httpChallenge.Token)
	if err != nil {
		return err
	}

	if err := o.Publisher.Publish(ctx, httpChallenge.Token, keyAuthorization); err != nil {
		return err
	}
	// Retract regardless of outcome; a dangling proof is only a waste,
	// but log if it fails.
	defer func() {
		if err := o.Publisher.Retract(context.Background(), httpChallenge.Token); err != nil {
			logger.WithError(err).Warn("Failed to retract challenge token")
		}
	}()

	if _, err := client.TriggerChallenge(ctx, httpChallenge.URL); err != nil {
		return err
	}

	return o.awaitAuthorization(ctx, client, authzURL, authz.Identifier.Value)
}

func (o *Orchestrator) awaitAuthorization(ctx context.Context, client *acmeclient.Client, authzURL, identifier string) error {
	attempts := o.settings.ACME.PollAttempts
	if attempts == 0 {
		attempts = 1
	}
	interval := time.Duration(o.settings.ACME.PollIntervalSecs) * time.Second

	for attempt := uint64(0); attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, interval); err != nil {
				return err
			}
		}

		authz, err := client.FetchAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case acmeclient.AuthzValid:
			return nil
		case acmeclient.AuthzPending:
			continue
		default:
			return faults.Protocolf("authorization for %s ended up %s: %s", identifier, authz.Status, challengeError(authz))
		}
	}
	return faults.Protocolf("authorization for %s still pending after %d polls", identifier, attempts)
}

func challengeError(authz *acmeclient.Authorization) string {
	for _, ch := range authz.Challenges {
		if len(ch.Error) > 0 {
			return string(ch.Error)
		}
	}
	return "no challenge error reported"
}

func (o *Orchestrator) pollOrder(ctx context.Context, client *acmeclient.Client, orderURL string, want ...acmeclient.OrderStatus) (*acmeclient.Order, error) {
	attempts := o.settings.ACME.PollAttempts
	if attempts == 0 {
		attempts = 1
	}
	interval := time.Duration(o.settings.ACME.PollIntervalSecs) * time.Second

	var last acmeclient.OrderStatus
	for attempt := uint64(0); attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, interval); err != nil {
				return nil, err
			}
		}

		order, err := client.PollOrder(ctx, orderURL)
		if err != nil {
			return nil, err
		}
		last = order.Status

		if order.Status == acmeclient.OrderInvalid {
			return nil, faults.Protocolf("order became invalid")
		}
		for _, status := range want {
			if order.Status == status {
				return order, nil
			}
		}
	}
	return nil, faults.Protocolf("order still %s after %d polls", last, attempts)
}

// finalize submits the CSR and carries the fresh private key back to the
// caller in memory. Nothing is written to disk here: the key on disk must
// keep matching the installed certificate until the new chain is in hand.
func (o *Orchestrator) finalize(ctx context.Context, client *acmeclient.Client, order *acmeclient.Order, profile *config.Profile, domains []string) (*acmeclient.Order, crypto.PrivateKey, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, nil, faults.Protocol("generating certificate key", err)
	}

	csrDER, err := o.buildCSR(key, profile, domains)
	if err != nil {
		return nil, nil, err
	}

	finalized, err := client.FinalizeOrder(ctx, order.Finalize, csrDER)
	if err != nil {
		return nil, nil, err
	}
	if finalized.Status == acmeclient.OrderValid && finalized.Certificate != "" {
		return finalized, key, nil
	}

	polled, err := o.pollOrder(ctx, client, order.URL, acmeclient.OrderValid)
	if err != nil {
		return nil, nil, err
	}
	return polled, key, nil
}

func (o *Orchestrator) buildCSR(key crypto.PrivateKey, profile *config.Profile, domains []string) ([]byte, error) {
	template := x509.CertificateRequest{
		Subject: pkix.Name{CommonName: domains[0]},
	}
	for _, domain := range domains {
		if ip := net.ParseIP(domain); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, domain)
	}

	if profile.URISAN {
		spiffeURI, err := url.Parse(o.settings.SPIFFEURI(profile))
		if err != nil {
			return nil, faults.Configf("invalid spiffe uri for profile %s: %v", profile.ServiceName, err)
		}
		template.URIs = append(template.URIs, spiffeURI)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, faults.Protocol("building certificate request", err)
	}
	return csrDER, nil
}

// persistKeyPair writes the new key and certificate together, after the
// chain has been downloaded. A failed finalize or download must not
// disturb the key pair currently serving traffic.
func (o *Orchestrator) persistKeyPair(profile *config.Profile, key crypto.PrivateKey, chain []byte) error {
	if key != nil {
		if err := o.persistKey(profile, key); err != nil {
			return err
		}
	}
	return o.persistCertificate(profile, chain)
}

func (o *Orchestrator) persistKey(profile *config.Profile, key crypto.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(profile.Paths.Key), 0o755); err != nil {
		return faults.Persist("creating key directory", err)
	}
	pemBytes := certcrypto.PEMEncode(key)
	if err := os.WriteFile(profile.Paths.Key, pemBytes, 0o600); err != nil {
		return faults.Persist("writing private key", err)
	}
	return nil
}

func (o *Orchestrator) persistCertificate(profile *config.Profile, chain []byte) error {
	if err := os.MkdirAll(filepath.Dir(profile.Paths.Cert), 0o755); err != nil {
		return faults.Persist("creating certificate directory", err)
	}
	if err := os.WriteFile(profile.Paths.Cert, chain, 0o644); err != nil {
		return faults.Persist("writing certificate", err)
	}
	return nil
}

// hardenTrust upgrades the persisted trust state after a successful
// issuance over an insecure (trust-on-first-use) connection: the observed
// server certificates become the CA bundle and pin set, and verification
// is switched on. The explicit --insecure override skips this. A write
// failure here turns the otherwise-successful run into a failure, since
// the next run would silently bootstrap insecurely again.
func (o *Orchestrator) hardenTrust(resolver *trust.Resolver, used config.TrustSettings, logger *log.Entry) error {
	if resolver.OverrideActive() || used.VerifyCertificates {
		return nil
	}

	fingerprints := resolver.ObservedFingerprints()
	if len(fingerprints) == 0 {
		logger.Warn("No server certificates observed, leaving trust state unchanged")
		return nil
	}

	bundlePath := filepath.Join(o.Store.Dir(), ObservedBundleFilename)
	if err := os.WriteFile(bundlePath, resolver.ObservedBundlePEM(), 0o600); err != nil {
		return faults.TrustHardening("writing observed ca bundle", err)
	}

	err := o.Store.Rewrite(func(s *config.Settings) error {
		s.Trust.VerifyCertificates = true
		s.Trust.CABundlePath = bundlePath
		s.Trust.TrustedCASHA256 = fingerprints
		return nil
	})
	if err != nil {
		return faults.TrustHardening("persisting hardened trust settings", err)
	}

	o.trustMu.Lock()
	o.settings.Trust.VerifyCertificates = true
	o.settings.Trust.CABundlePath = bundlePath
	o.settings.Trust.TrustedCASHA256 = fingerprints
	o.trustMu.Unlock()

	logger.WithField("pinned", len(fingerprints)).Info("Trust state hardened, future runs will verify the server certificate")
	return nil
}
