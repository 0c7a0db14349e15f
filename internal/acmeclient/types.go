package acmeclient

import (
	"encoding/json"
	"fmt"
)

// The status enums below are closed sets. The ACME server is an external,
// evolving contract, so an unrecognized value is rejected at the
// deserialization boundary instead of being mapped to a default.

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderReady      OrderStatus = "ready"
	OrderProcessing OrderStatus = "processing"
	OrderValid      OrderStatus = "valid"
	OrderInvalid    OrderStatus = "invalid"
)

func (s *OrderStatus) UnmarshalJSON(raw []byte) error {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch OrderStatus(value) {
	case OrderPending, OrderReady, OrderProcessing, OrderValid, OrderInvalid:
		*s = OrderStatus(value)
		return nil
	}
	return fmt.Errorf("unrecognized order status %q", value)
}

type AuthorizationStatus string

const (
	AuthzPending     AuthorizationStatus = "pending"
	AuthzValid       AuthorizationStatus = "valid"
	AuthzInvalid     AuthorizationStatus = "invalid"
	AuthzDeactivated AuthorizationStatus = "deactivated"
	AuthzExpired     AuthorizationStatus = "expired"
	AuthzRevoked     AuthorizationStatus = "revoked"
)

func (s *AuthorizationStatus) UnmarshalJSON(raw []byte) error {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch AuthorizationStatus(value) {
	case AuthzPending, AuthzValid, AuthzInvalid, AuthzDeactivated, AuthzExpired, AuthzRevoked:
		*s = AuthorizationStatus(value)
		return nil
	}
	return fmt.Errorf("unrecognized authorization status %q", value)
}

type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "pending"
	ChallengeProcessing ChallengeStatus = "processing"
	ChallengeValid      ChallengeStatus = "valid"
	ChallengeInvalid    ChallengeStatus = "invalid"
)

func (s *ChallengeStatus) UnmarshalJSON(raw []byte) error {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	switch ChallengeStatus(value) {
	case ChallengePending, ChallengeProcessing, ChallengeValid, ChallengeInvalid:
		*s = ChallengeStatus(value)
		return nil
	}
	return fmt.Errorf("unrecognized challenge status %q", value)
}

type ChallengeType string

const (
	ChallengeHTTP01  ChallengeType = "http-01"
	ChallengeDNS01   ChallengeType = "dns-01"
	ChallengeTLSALPN ChallengeType = "tls-alpn-01"
)

func (t *ChallengeType) UnmarshalJSON(raw []byte) error {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	// Unknown challenge types are carried through: only http-01 is acted
	// upon, and a server is free to offer types we have never heard of.
	*t = ChallengeType(value)
	return nil
}

type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Order struct {
	Status         OrderStatus `json:"status"`
	Finalize       string      `json:"finalize"`
	Authorizations []string    `json:"authorizations"`
	Certificate    string      `json:"certificate,omitempty"`

	// URL is the order's own URL, taken from the Location header on
	// creation; it is what gets polled.
	URL string `json:"-"`
}

type Authorization struct {
	Status     AuthorizationStatus `json:"status"`
	Identifier Identifier          `json:"identifier"`
	Challenges []Challenge         `json:"challenges"`
}

type Challenge struct {
	Type   ChallengeType   `json:"type"`
	URL    string          `json:"url"`
	Token  string          `json:"token"`
	Status ChallengeStatus `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}
