package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeTestSettings(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "renewd.yaml")
	content := `
email: ops@example.com
domain: svc.example.com
server: https://ca.example.com/directory
trust:
  verify_certificates: false
profiles:
  - service_name: api
    hostname: node-7
    instance_id: "042"
    paths:
      cert: certs/api.crt
      key: certs/api.key
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestStoreRewriteHardensTrust(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSettings(t, dir)
	store := NewStore(path)

	fingerprint := strings.Repeat("ab", 32)
	bundle := filepath.Join(dir, "ca-bundle.pem")

	err := store.Rewrite(func(s *Settings) error {
		s.Trust.VerifyCertificates = true
		s.Trust.CABundlePath = bundle
		s.Trust.TrustedCASHA256 = []string{fingerprint}
		return nil
	})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Trust.VerifyCertificates {
		t.Fatal("verify_certificates should be true after rewrite")
	}
	if len(reloaded.Trust.TrustedCASHA256) != 1 || reloaded.Trust.TrustedCASHA256[0] != fingerprint {
		t.Fatalf("fingerprints %v", reloaded.Trust.TrustedCASHA256)
	}
	if reloaded.Email != "ops@example.com" {
		t.Fatalf("unrelated settings were lost: email %q", reloaded.Email)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("settings mode %v, want 0600", info.Mode().Perm())
	}
}

func TestStoreRewriteRejectsInvalidResult(t *testing.T) {
	path := writeTestSettings(t, t.TempDir())
	store := NewStore(path)

	err := store.Rewrite(func(s *Settings) error {
		s.Domain = ""
		return nil
	})
	if err == nil {
		t.Fatal("rewrite with invalid result should fail")
	}

	reloaded, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("reload: %v", loadErr)
	}
	if reloaded.Domain != "svc.example.com" {
		t.Fatalf("file was modified despite failed validation: domain %q", reloaded.Domain)
	}
}

func TestStoreRewriteFailsOnReadOnlyFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode semantics differ on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}

	path := writeTestSettings(t, t.TempDir())
	if err := os.Chmod(path, 0o400); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	store := NewStore(path)

	err := store.Rewrite(func(s *Settings) error {
		s.Trust.VerifyCertificates = true
		return nil
	})
	if err == nil {
		t.Fatal("rewrite of a read-only settings file should fail")
	}
	if !strings.Contains(err.Error(), "not writable") {
		t.Fatalf("error %q should mention writability", err.Error())
	}
}
