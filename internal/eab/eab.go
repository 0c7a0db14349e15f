// Package eab resolves external account binding credentials for CAs that
// require pre-registered accounts.
package eab

import (
	"encoding/json"
	"os"

	"github.com/renewd/renewd/internal/faults"
)

// Credentials holds an external account binding key pair. The HMAC key is
// kept base64-encoded as issued by the CA.
type Credentials struct {
	KID  string `json:"kid"`
	HMAC string `json:"hmac"`

	// Some CAs hand the key out under "key" instead of "hmac".
	KeyAlias string `json:"key,omitempty"`
}

// Load resolves credentials with CLI flags taking precedence over a
// credentials file. Returns nil when no binding is configured.
func Load(cliKID, cliHMAC, filePath string) (*Credentials, error) {
	if cliKID != "" || cliHMAC != "" {
		if cliKID == "" || cliHMAC == "" {
			return nil, faults.Config("eab kid and hmac must be provided together")
		}
		return &Credentials{KID: cliKID, HMAC: cliHMAC}, nil
	}

	if filePath == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, faults.Configf("reading eab credentials file: %v", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, faults.Configf("parsing eab credentials file: %v", err)
	}
	if creds.HMAC == "" {
		creds.HMAC = creds.KeyAlias
	}
	creds.KeyAlias = ""

	if creds.KID == "" && creds.HMAC == "" {
		return nil, nil
	}
	if creds.KID == "" || creds.HMAC == "" {
		return nil, faults.Config("eab credentials file must contain both kid and hmac")
	}
	return &creds, nil
}
