package issuer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/renewd/renewd/internal/challenge"
	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/faults"
)

// fakeCA is a TLS-terminated ACME server: one order, one authorization,
// http-01 only. The challenge flips to valid once it has been triggered.
type fakeCA struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	nonce        int
	triggered    bool
	finalized    bool
	failFinalize bool
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()
	ca := &fakeCA{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/directory", ca.handleDirectory)
	mux.HandleFunc("/new-nonce", ca.handleNewNonce)
	mux.HandleFunc("/new-acct", ca.handleNewAccount)
	mux.HandleFunc("/new-order", ca.handleNewOrder)
	mux.HandleFunc("/authz/1", ca.handleAuthorization)
	mux.HandleFunc("/chall/1", ca.handleChallenge)
	mux.HandleFunc("/order/1", ca.handleOrderPoll)
	mux.HandleFunc("/finalize/1", ca.handleFinalize)
	mux.HandleFunc("/cert/1", ca.handleCertificate)

	ca.server = httptest.NewTLSServer(mux)
	t.Cleanup(ca.server.Close)
	return ca
}

func (ca *fakeCA) url(path string) string {
	return ca.server.URL + path
}

func (ca *fakeCA) leafFingerprint() string {
	sum := sha256.Sum256(ca.server.Certificate().Raw)
	return hex.EncodeToString(sum[:])
}

func (ca *fakeCA) setNonce(w http.ResponseWriter) {
	ca.mu.Lock()
	ca.nonce++
	n := ca.nonce
	ca.mu.Unlock()
	w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", n))
}

func (ca *fakeCA) handleDirectory(w http.ResponseWriter, r *http.Request) {
	ca.setNonce(w)
	json.NewEncoder(w).Encode(map[string]string{
		"newNonce":   ca.url("/new-nonce"),
		"newAccount": ca.url("/new-acct"),
		"newOrder":   ca.url("/new-order"),
	})
}

func (ca *fakeCA) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	ca.setNonce(w)
	w.WriteHeader(http.StatusOK)
}

func (ca *fakeCA) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	ca.setNonce(w)
	w.Header().Set("Location", ca.url("/acct/1"))
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, `{"status":"valid"}`)
}

func (ca *fakeCA) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	ca.setNonce(w)
	w.Header().Set("Location", ca.url("/order/1"))
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "pending",
		"finalize":       ca.url("/finalize/1"),
		"authorizations": []string{ca.url("/authz/1")},
	})
}

func (ca *fakeCA) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	status := "pending"
	if ca.triggered {
		status = "valid"
	}
	ca.mu.Unlock()

	ca.setNonce(w)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"identifier": map[string]string{"type": "dns", "value": "svc.example.com"},
		"challenges": []map[string]interface{}{
			{"type": "http-01", "url": ca.url("/chall/1"), "token": "tok-123", "status": status},
		},
	})
}

func (ca *fakeCA) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	ca.triggered = true
	ca.mu.Unlock()

	ca.setNonce(w)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type": "http-01", "url": ca.url("/chall/1"), "token": "tok-123", "status": "processing",
	})
}

func (ca *fakeCA) handleOrderPoll(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	triggered := ca.triggered
	finalized := ca.finalized
	ca.mu.Unlock()

	response := map[string]interface{}{
		"status":         "pending",
		"finalize":       ca.url("/finalize/1"),
		"authorizations": []string{ca.url("/authz/1")},
	}
	if triggered {
		response["status"] = "ready"
	}
	if finalized {
		response["status"] = "valid"
		response["certificate"] = ca.url("/cert/1")
	}

	ca.setNonce(w)
	json.NewEncoder(w).Encode(response)
}

func (ca *fakeCA) handleFinalize(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	fail := ca.failFinalize
	if !fail {
		ca.finalized = true
	}
	ca.mu.Unlock()

	ca.setNonce(w)
	if fail {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "processing",
		"finalize":       ca.url("/finalize/1"),
		"authorizations": []string{ca.url("/authz/1")},
	})
}

func (ca *fakeCA) handleCertificate(w http.ResponseWriter, r *http.Request) {
	ca.setNonce(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.server.Certificate().Raw})
}

// recordingPublisher wraps the local publisher to observe the calls.
type recordingPublisher struct {
	inner     challenge.Publisher
	mu        sync.Mutex
	published []string
	retracted []string
}

func (p *recordingPublisher) Publish(ctx context.Context, token, keyAuthorization string) error {
	p.mu.Lock()
	p.published = append(p.published, token)
	p.mu.Unlock()
	return p.inner.Publish(ctx, token, keyAuthorization)
}

func (p *recordingPublisher) Retract(ctx context.Context, token string) error {
	p.mu.Lock()
	p.retracted = append(p.retracted, token)
	p.mu.Unlock()
	return p.inner.Retract(ctx, token)
}

func testSettings(t *testing.T, ca *fakeCA, dir string) *config.Settings {
	t.Helper()
	return &config.Settings{
		Email:  "ops@example.com",
		Domain: "svc.example.com",
		Server: ca.url("/directory"),
		ACME: config.ACMESettings{
			DirectoryFetchAttempts:      2,
			DirectoryFetchBaseDelaySecs: 0,
			PollAttempts:                10,
			PollIntervalSecs:            0,
		},
		Retry: config.RetrySettings{BackoffSecs: []uint64{1}},
		Profiles: []config.Profile{{
			ServiceName: "edge-proxy",
			Hostname:    "edge-node-01",
			InstanceID:  "001",
			Paths: config.Paths{
				Cert: filepath.Join(dir, "certs", "svc.pem"),
				Key:  filepath.Join(dir, "certs", "svc.key"),
			},
		}},
	}
}

func writeSettingsFile(t *testing.T, dir string, settings *config.Settings) *config.Store {
	t.Helper()
	path := filepath.Join(dir, "renewd.yaml")
	store := config.NewStore(path)

	// Round-trip through the store's own load path by writing defaults
	// plus our overrides as YAML.
	raw := fmt.Sprintf(`email: %s
domain: %s
server: %s
acme:
  directory_fetch_attempts: 2
  poll_attempts: 10
profiles:
  - service_name: edge-proxy
    hostname: edge-node-01
    instance_id: "001"
    paths:
      cert: %s
      key: %s
`, settings.Email, settings.Domain, settings.Server, settings.Profiles[0].Paths.Cert, settings.Profiles[0].Paths.Key)
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}
	return store
}

func newOrchestrator(t *testing.T, ca *fakeCA) (*Orchestrator, *recordingPublisher, string) {
	t.Helper()
	dir := t.TempDir()
	settings := testSettings(t, ca, dir)
	store := writeSettingsFile(t, dir, settings)

	publisher := &recordingPublisher{inner: &challenge.LocalPublisher{Store: challenge.NewStore()}}
	return NewOrchestrator(store, settings, publisher), publisher, dir
}

func TestIssueBootstrapsAndHardensTrust(t *testing.T) {
	ca := newFakeCA(t)
	orch, publisher, dir := newOrchestrator(t, ca)

	err := orch.Issue(context.Background(), &orch.Settings().Profiles[0], nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Key material landed where the profile points.
	certPEM, err := os.ReadFile(orch.Settings().Profiles[0].Paths.Cert)
	if err != nil {
		t.Fatalf("reading certificate: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("certificate file is not PEM")
	}
	keyPEM, err := os.ReadFile(orch.Settings().Profiles[0].Paths.Key)
	if err != nil {
		t.Fatalf("reading key: %v", err)
	}
	if !strings.Contains(string(keyPEM), "PRIVATE KEY") {
		t.Fatal("key file is not a private key PEM")
	}
	info, err := os.Stat(orch.Settings().Profiles[0].Paths.Key)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %o, want 0600", info.Mode().Perm())
	}

	// The challenge proof was published and retracted.
	if len(publisher.published) != 1 || publisher.published[0] != "tok-123" {
		t.Fatalf("published tokens = %v", publisher.published)
	}
	if len(publisher.retracted) != 1 || publisher.retracted[0] != "tok-123" {
		t.Fatalf("retracted tokens = %v", publisher.retracted)
	}

	// The persisted config was hardened with the observed certificate.
	persisted, err := orch.Store.Load()
	if err != nil {
		t.Fatalf("reloading settings: %v", err)
	}
	if !persisted.Trust.VerifyCertificates {
		t.Fatal("trust was not switched to verifying")
	}
	if persisted.Trust.CABundlePath != filepath.Join(dir, ObservedBundleFilename) {
		t.Fatalf("bundle path = %q", persisted.Trust.CABundlePath)
	}
	found := false
	for _, fp := range persisted.Trust.TrustedCASHA256 {
		if fp == ca.leafFingerprint() {
			found = true
		}
	}
	if !found {
		t.Fatalf("pinned fingerprints %v do not include the server leaf %s", persisted.Trust.TrustedCASHA256, ca.leafFingerprint())
	}

	bundle, err := os.ReadFile(persisted.Trust.CABundlePath)
	if err != nil {
		t.Fatalf("reading observed bundle: %v", err)
	}
	bundleBlock, _ := pem.Decode(bundle)
	if bundleBlock == nil {
		t.Fatal("observed bundle is not PEM")
	}
	bundleCert, err := x509.ParseCertificate(bundleBlock.Bytes)
	if err != nil {
		t.Fatalf("parsing observed bundle: %v", err)
	}
	if !bundleCert.Equal(ca.server.Certificate()) {
		t.Fatal("observed bundle does not contain the server certificate")
	}
}

func TestFailedFinalizeLeavesKeyPairUntouched(t *testing.T) {
	ca := newFakeCA(t)
	ca.failFinalize = true
	orch, _, _ := newOrchestrator(t, ca)
	profile := &orch.Settings().Profiles[0]

	// A previous issuance is installed and serving traffic.
	oldCert := []byte("installed certificate\n")
	oldKey := []byte("installed private key\n")
	if err := os.MkdirAll(filepath.Dir(profile.Paths.Cert), 0o755); err != nil {
		t.Fatalf("creating cert dir: %v", err)
	}
	if err := os.WriteFile(profile.Paths.Cert, oldCert, 0o644); err != nil {
		t.Fatalf("seeding certificate: %v", err)
	}
	if err := os.WriteFile(profile.Paths.Key, oldKey, 0o600); err != nil {
		t.Fatalf("seeding key: %v", err)
	}

	err := orch.Issue(context.Background(), profile, nil)
	if err == nil {
		t.Fatal("expected finalize to fail")
	}
	if !strings.Contains(err.Error(), "finalization failed") {
		t.Fatalf("unexpected error: %v", err)
	}

	gotKey, readErr := os.ReadFile(profile.Paths.Key)
	if readErr != nil {
		t.Fatalf("reading key: %v", readErr)
	}
	if !bytes.Equal(gotKey, oldKey) {
		t.Fatal("private key was replaced before a new certificate was downloaded")
	}
	gotCert, readErr := os.ReadFile(profile.Paths.Cert)
	if readErr != nil {
		t.Fatalf("reading certificate: %v", readErr)
	}
	if !bytes.Equal(gotCert, oldCert) {
		t.Fatal("certificate was replaced despite the failed finalize")
	}
}

func TestIssueSucceedsAgainstHardenedTrust(t *testing.T) {
	ca := newFakeCA(t)
	orch, _, _ := newOrchestrator(t, ca)
	ctx := context.Background()
	profile := &orch.Settings().Profiles[0]

	if err := orch.Issue(ctx, profile, nil); err != nil {
		t.Fatalf("bootstrap issue: %v", err)
	}

	// Reset the CA's per-order state and go again with the now-verified
	// trust settings.
	ca.mu.Lock()
	ca.triggered = false
	ca.finalized = false
	ca.mu.Unlock()

	if err := orch.Issue(ctx, profile, nil); err != nil {
		t.Fatalf("issue with hardened trust: %v", err)
	}
}

func TestIssueFailsFastOnPinMismatch(t *testing.T) {
	ca := newFakeCA(t)
	orch, publisher, dir := newOrchestrator(t, ca)

	bundlePath := filepath.Join(dir, "bundle.pem")
	var bundle strings.Builder
	pem.Encode(&bundle, &pem.Block{Type: "CERTIFICATE", Bytes: ca.server.Certificate().Raw})
	if err := os.WriteFile(bundlePath, []byte(bundle.String()), 0o600); err != nil {
		t.Fatalf("writing bundle: %v", err)
	}

	orch.Settings().Trust = config.TrustSettings{
		VerifyCertificates: true,
		CABundlePath:       bundlePath,
		TrustedCASHA256:    []string{strings.Repeat("0", 64)},
	}

	err := orch.IssueAndNotify(context.Background(), &orch.Settings().Profiles[0])
	if err == nil {
		t.Fatal("expected issuance to fail on pin mismatch")
	}
	if !faults.IsKind(err, faults.KindTrust) {
		t.Fatalf("expected trust fault, got %v", err)
	}
	if len(publisher.published) != 0 {
		t.Fatal("challenge responder was contacted despite trust failure")
	}
}

func TestHardeningWriteFailureOverridesSuccess(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions do not bind root")
	}

	ca := newFakeCA(t)
	orch, _, _ := newOrchestrator(t, ca)

	if err := os.Chmod(orch.Store.Path(), 0o400); err != nil {
		t.Fatalf("chmod settings file: %v", err)
	}

	err := orch.Issue(context.Background(), &orch.Settings().Profiles[0], nil)
	if err == nil {
		t.Fatal("expected hardening failure to fail the run")
	}
	if !faults.IsHardening(err) {
		t.Fatalf("expected hardening fault, got %v", err)
	}

	// The certificate itself was still issued and persisted.
	if _, statErr := os.Stat(orch.Settings().Profiles[0].Paths.Cert); statErr != nil {
		t.Fatalf("certificate missing after hardening failure: %v", statErr)
	}
}

func TestInsecureOverrideSkipsHardening(t *testing.T) {
	ca := newFakeCA(t)
	orch, _, _ := newOrchestrator(t, ca)
	orch.InsecureOverride = true

	if err := orch.Issue(context.Background(), &orch.Settings().Profiles[0], nil); err != nil {
		t.Fatalf("issue: %v", err)
	}

	persisted, err := orch.Store.Load()
	if err != nil {
		t.Fatalf("reloading settings: %v", err)
	}
	if persisted.Trust.VerifyCertificates {
		t.Fatal("override run must not touch the persisted trust state")
	}
}

func TestIssueAndNotifyRunsFailureHooks(t *testing.T) {
	ca := newFakeCA(t)
	orch, _, dir := newOrchestrator(t, ca)

	// Point at a dead endpoint so issuance fails with a network fault.
	orch.DirectoryURL = "http://127.0.0.1:1/directory"
	marker := filepath.Join(dir, "failed")

	profile := &orch.Settings().Profiles[0]
	profile.Retry = &config.RetrySettings{BackoffSecs: []uint64{0}}
	profile.Hooks.PostRenew.Failure = []config.HookCommand{{
		Command:     "/bin/sh",
		Args:        []string{"-c", "echo \"$RENEW_STATUS\" > " + marker},
		TimeoutSecs: 5,
	}}

	err := orch.IssueAndNotify(context.Background(), profile)
	if err == nil {
		t.Fatal("expected issuance to fail")
	}
	if !faults.IsKind(err, faults.KindNetwork) {
		t.Fatalf("expected network fault, got %v", err)
	}
	if f := faults.Of(err); f.Profile != "edge-proxy" {
		t.Fatalf("fault profile = %q", f.Profile)
	}

	got, readErr := os.ReadFile(marker)
	if readErr != nil {
		t.Fatalf("failure hook did not run: %v", readErr)
	}
	if strings.TrimSpace(string(got)) != "failure" {
		t.Fatalf("hook saw status %q", got)
	}
}
