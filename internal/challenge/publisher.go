package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/faults"
)

// Publisher makes a key authorization reachable at the well-known path for
// the duration of a validation.
type Publisher interface {
	Publish(ctx context.Context, token, keyAuthorization string) error
	Retract(ctx context.Context, token string) error
}

// LocalPublisher serves proofs from the in-process store.
type LocalPublisher struct {
	Store *Store
}

func (p *LocalPublisher) Publish(ctx context.Context, token, keyAuthorization string) error {
	p.Store.Put(token, keyAuthorization)
	return nil
}

func (p *LocalPublisher) Retract(ctx context.Context, token string) error {
	p.Store.Remove(token)
	return nil
}

// PublishRequest is the admin API body for placing a proof on the remote
// responder.
type PublishRequest struct {
	Token            string `json:"token"`
	KeyAuthorization string `json:"key_authorization"`
	TTLSecs          uint64 `json:"ttl_secs"`
}

// ResponderPublisher pushes proofs to a remote responder over its
// HMAC-authenticated admin API. Used when the agent cannot bind the
// public challenge port itself.
type ResponderPublisher struct {
	baseURL    string
	secret     string
	ttlSecs    uint64
	httpClient *http.Client

	// now is swappable for tests.
	now func() time.Time
}

func NewResponderPublisher(settings config.ACMESettings) *ResponderPublisher {
	timeout := time.Duration(settings.HTTPResponderTimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = time.Duration(config.DefaultResponderTimeoutSecs) * time.Second
	}
	return &ResponderPublisher{
		baseURL:    strings.TrimRight(settings.HTTPResponderURL, "/"),
		secret:     settings.HTTPResponderHMAC,
		ttlSecs:    settings.HTTPResponderTokenTTLSecs,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (p *ResponderPublisher) Publish(ctx context.Context, token, keyAuthorization string) error {
	body, err := json.Marshal(PublishRequest{
		Token:            token,
		KeyAuthorization: keyAuthorization,
		TTLSecs:          p.ttlSecs,
	})
	if err != nil {
		return faults.Protocol("encoding responder publish request", err)
	}

	timestamp := p.now().Unix()
	signature := SignPublish(p.secret, timestamp, token, keyAuthorization, p.ttlSecs)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+AdminPublishPath, bytes.NewReader(body))
	if err != nil {
		return faults.Protocol("building responder publish request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.signRequest(req, timestamp, signature)

	return p.do(req, "publishing challenge to responder")
}

func (p *ResponderPublisher) Retract(ctx context.Context, token string) error {
	timestamp := p.now().Unix()
	signature := SignRetract(p.secret, timestamp, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+AdminPublishPath+"/"+token, nil)
	if err != nil {
		return faults.Protocol("building responder retract request", err)
	}
	p.signRequest(req, timestamp, signature)

	return p.do(req, "retracting challenge from responder")
}

func (p *ResponderPublisher) signRequest(req *http.Request, timestamp int64, signature string) {
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", timestamp))
	req.Header.Set(HeaderSignature, signature)
}

func (p *ResponderPublisher) do(req *http.Request, op string) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return faults.Network(op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.Protocolf("%s failed, status %d: %s", op, resp.StatusCode, body)
	}
	return nil
}
