package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/faults"
)

// Resolver turns the persisted trust settings plus the one-shot insecure
// override into a TLS verification policy. It also records the server
// certificates observed during handshakes so a successful insecure
// bootstrap can be hardened into pinned verification afterwards.
type Resolver struct {
	verify   bool
	override bool

	bundlePath string
	pins       map[string]struct{}

	mu       sync.Mutex
	observed []*x509.Certificate
}

func NewResolver(settings config.TrustSettings, insecureOverride bool) *Resolver {
	pins := make(map[string]struct{}, len(settings.TrustedCASHA256))
	for _, fingerprint := range settings.TrustedCASHA256 {
		pins[strings.ToLower(fingerprint)] = struct{}{}
	}
	return &Resolver{
		verify:     settings.VerifyCertificates,
		override:   insecureOverride,
		bundlePath: settings.CABundlePath,
		pins:       pins,
	}
}

// InsecureActive reports whether this run accepts any server certificate,
// either through the explicit operator override or the persisted
// pre-hardening state.
func (r *Resolver) InsecureActive() bool {
	return r.override || !r.verify
}

// OverrideActive reports the explicit operator override alone. Hardening is
// skipped when it is set: the operator opted out for this run and the
// persisted state must not silently escalate.
func (r *Resolver) OverrideActive() bool {
	return r.override
}

// TLSConfig builds the client TLS configuration for this policy.
func (r *Resolver) TLSConfig() (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if r.InsecureActive() {
		if r.override {
			log.Warn("TLS verification disabled by explicit insecure override")
		} else {
			log.Warn("TLS verification disabled by persisted settings (pre-hardening state)")
		}
		conf.InsecureSkipVerify = true
		conf.VerifyConnection = r.recordOnly
		return conf, nil
	}

	if r.bundlePath != "" {
		pemBytes, err := os.ReadFile(r.bundlePath)
		if err != nil {
			return nil, faults.Trust("failed to read CA bundle "+r.bundlePath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, faults.Trust("CA bundle "+r.bundlePath+" contains no usable certificates", nil)
		}
		conf.RootCAs = pool
		conf.VerifyConnection = r.recordAndCheckPin
		return conf, nil
	}

	// Public trust-store validation; self-signed and private CAs fail here.
	conf.VerifyConnection = r.recordOnly
	return conf, nil
}

func (r *Resolver) recordOnly(cs tls.ConnectionState) error {
	r.record(cs)
	return nil
}

func (r *Resolver) recordAndCheckPin(cs tls.ConnectionState) error {
	r.record(cs)

	for _, cert := range cs.PeerCertificates {
		if _, ok := r.pins[FingerprintHex(cert.Raw)]; ok {
			return nil
		}
	}
	// A mismatch may be an active interception attempt; it is never retried.
	return faults.Trust("no presented certificate matches a pinned SHA-256 fingerprint", nil)
}

func (r *Resolver) record(cs tls.ConnectionState) {
	if len(cs.PeerCertificates) == 0 {
		return
	}
	leaf := cs.PeerCertificates[0]
	fingerprint := FingerprintHex(leaf.Raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.observed {
		if FingerprintHex(seen.Raw) == fingerprint {
			return
		}
	}
	r.observed = append(r.observed, leaf)
}

// ObservedFingerprints returns the SHA-256 fingerprints of the distinct
// leaf certificates seen since the resolver was created.
func (r *Resolver) ObservedFingerprints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	fingerprints := make([]string, 0, len(r.observed))
	for _, cert := range r.observed {
		fingerprints = append(fingerprints, FingerprintHex(cert.Raw))
	}
	return fingerprints
}

// ObservedBundlePEM returns the observed leaf certificates PEM-encoded,
// suitable for writing as the hardened CA bundle.
func (r *Resolver) ObservedBundlePEM() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, cert := range r.observed {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

// FingerprintHex is the lowercase hex SHA-256 of a DER certificate.
func FingerprintHex(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
