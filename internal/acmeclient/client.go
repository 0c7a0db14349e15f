// Package acmeclient speaks the RFC 8555 wire protocol directly: directory
// discovery, account registration, order and authorization lifecycle,
// finalization and certificate download.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	log "github.com/sirupsen/logrus"

	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/eab"
	"github.com/renewd/renewd/internal/faults"
	"github.com/renewd/renewd/internal/retry"
)

const (
	contentTypeJOSE = "application/jose+json"
	replayNonce     = "Replay-Nonce"

	maxResponseBytes = 1 << 20
)

// Client is a single-account ACME client. The account key is generated
// fresh per client; account reuse across runs is not a goal, the CA is
// expected to tolerate repeated registrations.
type Client struct {
	httpClient   *http.Client
	directoryURL string
	settings     config.ACMESettings
	logger       *log.Entry

	key *ecdsa.PrivateKey
	kid string

	directory Directory

	nonceMu sync.Mutex
	nonces  []string
}

// New builds a client against directoryURL. tlsConf carries the trust
// decisions (bundle, pins or insecure bootstrap) made by the caller.
func New(directoryURL string, settings config.ACMESettings, tlsConf *tls.Config, logger *log.Entry) (*Client, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, faults.Protocol("generating account key", err)
	}

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
			Timeout: 30 * time.Second,
		},
		directoryURL: directoryURL,
		settings:     settings,
		logger:       logger,
		key:          key,
	}, nil
}

type serverResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *serverResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *serverResponse) summary() string {
	body := string(r.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("status %d: %s", r.StatusCode, body)
}

// wrapTransport turns a transport failure into a network fault, unless a
// fault (typically a trust fault raised inside the TLS handshake) is
// already in the chain. Trust faults must surface as-is so callers can
// refuse to retry them.
func wrapTransport(op string, err error) error {
	if f := faults.Of(err); f != nil {
		return err
	}
	return faults.Network(op, err)
}

// FetchDirectory retrieves and caches the directory resource, retrying
// transient failures with doubling delays clamped to the configured
// maximum. Trust faults abort immediately.
func (c *Client) FetchDirectory(ctx context.Context) error {
	attempts := c.settings.DirectoryFetchAttempts
	if attempts == 0 {
		attempts = 1
	}
	delay := time.Duration(c.settings.DirectoryFetchBaseDelaySecs) * time.Second
	maxDelay := time.Duration(c.settings.DirectoryFetchMaxDelaySecs) * time.Second

	var lastErr error
	for attempt := uint64(1); attempt <= attempts; attempt++ {
		lastErr = c.fetchDirectoryOnce(ctx)
		if lastErr == nil {
			return nil
		}
		if faults.IsKind(lastErr, faults.KindTrust) {
			return lastErr
		}
		c.logger.WithError(lastErr).WithFields(log.Fields{
			"attempt":  attempt,
			"attempts": attempts,
		}).Warn("Directory fetch failed")

		if attempt == attempts {
			break
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}

func (c *Client) fetchDirectoryOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return faults.Protocol("building directory request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransport("fetching acme directory", err)
	}
	defer resp.Body.Close()

	c.stashNonce(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return wrapTransport("reading acme directory", err)
	}
	if resp.StatusCode != http.StatusOK {
		return faults.Protocolf("directory fetch returned status %d", resp.StatusCode)
	}

	var dir Directory
	if err := json.Unmarshal(body, &dir); err != nil {
		return faults.Protocol("parsing acme directory", err)
	}
	if dir.NewNonce == "" || dir.NewAccount == "" || dir.NewOrder == "" {
		return faults.Protocolf("directory is missing required endpoints: %+v", dir)
	}

	c.directory = dir
	return nil
}

// Directory returns the cached directory. Zero until FetchDirectory
// succeeds.
func (c *Client) Directory() Directory {
	return c.directory
}

func (c *Client) stashNonce(header http.Header) {
	nonce := header.Get(replayNonce)
	if nonce == "" {
		return
	}
	c.nonceMu.Lock()
	c.nonces = append(c.nonces, nonce)
	c.nonceMu.Unlock()
}

// nonceSource adapts the pooled nonce fetch to jose.NonceSource while
// keeping the newNonce round trip bound to the request's context.
type nonceSource struct {
	client *Client
	ctx    context.Context
}

func (s *nonceSource) Nonce() (string, error) {
	return s.client.nonce(s.ctx)
}

// nonce pops the pool, or HEADs newNonce when the pool runs dry. Every
// server response replenishes the pool, so the explicit round trip is
// rare.
func (c *Client) nonce(ctx context.Context) (string, error) {
	c.nonceMu.Lock()
	if n := len(c.nonces); n > 0 {
		nonce := c.nonces[n-1]
		c.nonces = c.nonces[:n-1]
		c.nonceMu.Unlock()
		return nonce, nil
	}
	c.nonceMu.Unlock()

	if c.directory.NewNonce == "" {
		return "", faults.Protocolf("nonce requested before directory fetch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.directory.NewNonce, nil)
	if err != nil {
		return "", faults.Protocol("building newNonce request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTransport("requesting fresh nonce", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	nonce := resp.Header.Get(replayNonce)
	if nonce == "" {
		return "", faults.Protocolf("newNonce response carried no %s header", replayNonce)
	}
	return nonce, nil
}

// postJOSE signs payload and POSTs it to url. A nil payload becomes the
// empty payload of a POST-as-GET. Before account registration the JWK is
// embedded; afterwards the account URL is sent as kid.
func (c *Client) postJOSE(ctx context.Context, url string, payload []byte) (*serverResponse, error) {
	opts := &jose.SignerOptions{
		NonceSource: &nonceSource{client: c, ctx: ctx},
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signingKey := jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       c.key,
	}
	if c.kid == "" {
		opts.EmbedJWK = true
	} else {
		signingKey.Key = &jose.JSONWebKey{
			Key:   c.key,
			KeyID: c.kid,
		}
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, faults.Protocol("building jws signer", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, faults.Protocol("signing acme request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(signed.FullSerialize()))
	if err != nil {
		return nil, faults.Protocol("building acme request", err)
	}
	req.Header.Set("Content-Type", contentTypeJOSE)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport("posting to "+url, err)
	}
	defer resp.Body.Close()

	c.stashNonce(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, wrapTransport("reading response from "+url, err)
	}

	return &serverResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// RegisterAccount creates (or retrieves) the account for this client's key
// and records the account URL for kid-based signing.
func (c *Client) RegisterAccount(ctx context.Context, email string, creds *eab.Credentials) error {
	request := map[string]interface{}{
		"termsOfServiceAgreed": true,
		"contact":              []string{"mailto:" + email},
	}

	if creds != nil {
		binding, err := c.externalAccountBinding(creds)
		if err != nil {
			return err
		}
		request["externalAccountBinding"] = binding
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return faults.Protocol("encoding newAccount payload", err)
	}

	resp, err := c.postJOSE(ctx, c.directory.NewAccount, payload)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return faults.Protocolf("account registration failed, %s", resp.summary())
	}

	kid := resp.Header.Get("Location")
	if kid == "" {
		return faults.Protocolf("account registration response carried no Location header")
	}
	c.kid = kid

	c.logger.WithField("account_url", kid).Debug("Registered ACME account")
	return nil
}

// externalAccountBinding signs the account's public JWK with the CA-issued
// HMAC key, yielding the JWS object embedded in the newAccount payload.
func (c *Client) externalAccountBinding(creds *eab.Credentials) (json.RawMessage, error) {
	hmacKey, err := base64.RawURLEncoding.DecodeString(creds.HMAC)
	if err != nil {
		hmacKey, err = base64.StdEncoding.DecodeString(creds.HMAC)
		if err != nil {
			return nil, faults.Config("eab hmac key is not valid base64")
		}
	}

	accountJWK := jose.JSONWebKey{Key: c.key.Public()}
	payload, err := accountJWK.MarshalJSON()
	if err != nil {
		return nil, faults.Protocol("encoding account jwk", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: hmacKey},
		&jose.SignerOptions{
			EmbedJWK: false,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				"kid": creds.KID,
				"url": c.directory.NewAccount,
			},
		},
	)
	if err != nil {
		return nil, faults.Protocol("building eab signer", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, faults.Protocol("signing external account binding", err)
	}
	return json.RawMessage(signed.FullSerialize()), nil
}

// NewOrder submits an order for the given identifiers. IP address literals
// become ip identifiers, anything else a dns identifier.
func (c *Client) NewOrder(ctx context.Context, domains []string) (*Order, error) {
	identifiers := make([]Identifier, 0, len(domains))
	for _, domain := range domains {
		idType := "dns"
		if net.ParseIP(domain) != nil {
			idType = "ip"
		}
		identifiers = append(identifiers, Identifier{Type: idType, Value: domain})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"identifiers": identifiers,
	})
	if err != nil {
		return nil, faults.Protocol("encoding newOrder payload", err)
	}

	resp, err := c.postJOSE(ctx, c.directory.NewOrder, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, faults.Protocolf("order creation failed, %s", resp.summary())
	}

	var order Order
	if err := json.Unmarshal(resp.Body, &order); err != nil {
		return nil, faults.Protocol("parsing order", err)
	}
	order.URL = resp.Header.Get("Location")
	if order.URL == "" {
		return nil, faults.Protocolf("order response carried no Location header")
	}
	return &order, nil
}

// FetchAuthorization retrieves an authorization via POST-as-GET.
func (c *Client) FetchAuthorization(ctx context.Context, url string) (*Authorization, error) {
	resp, err := c.postJOSE(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, faults.Protocolf("authorization fetch failed, %s", resp.summary())
	}

	var authz Authorization
	if err := json.Unmarshal(resp.Body, &authz); err != nil {
		return nil, faults.Protocol("parsing authorization", err)
	}
	return &authz, nil
}

// TriggerChallenge tells the server the challenge response is in place.
func (c *Client) TriggerChallenge(ctx context.Context, url string) (*Challenge, error) {
	resp, err := c.postJOSE(ctx, url, []byte("{}"))
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, faults.Protocolf("challenge trigger failed, %s", resp.summary())
	}

	var challenge Challenge
	if err := json.Unmarshal(resp.Body, &challenge); err != nil {
		return nil, faults.Protocol("parsing challenge", err)
	}
	return &challenge, nil
}

// PollOrder re-fetches an order by its URL.
func (c *Client) PollOrder(ctx context.Context, url string) (*Order, error) {
	resp, err := c.postJOSE(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, faults.Protocolf("order poll failed, %s", resp.summary())
	}

	var order Order
	if err := json.Unmarshal(resp.Body, &order); err != nil {
		return nil, faults.Protocol("parsing polled order", err)
	}
	order.URL = url
	return &order, nil
}

// FinalizeOrder submits the CSR (DER) to the order's finalize endpoint.
func (c *Client) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*Order, error) {
	payload, err := json.Marshal(map[string]string{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	})
	if err != nil {
		return nil, faults.Protocol("encoding finalize payload", err)
	}

	resp, err := c.postJOSE(ctx, finalizeURL, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, faults.Protocolf("order finalization failed, %s", resp.summary())
	}

	var order Order
	if err := json.Unmarshal(resp.Body, &order); err != nil {
		return nil, faults.Protocol("parsing finalized order", err)
	}
	order.URL = finalizeURL
	return &order, nil
}

// DownloadCertificate fetches the issued PEM chain via POST-as-GET.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	resp, err := c.postJOSE(ctx, certURL, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, faults.Protocolf("certificate download failed, %s", resp.summary())
	}
	if len(resp.Body) == 0 {
		return nil, faults.Protocolf("certificate download returned an empty body")
	}
	return resp.Body, nil
}

// KeyAuthorization derives the http-01 key authorization for a token using
// the account key's JWK thumbprint.
func (c *Client) KeyAuthorization(token string) (string, error) {
	jwk := jose.JSONWebKey{Key: c.key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", faults.Protocol("computing jwk thumbprint", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
