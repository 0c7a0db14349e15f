package faults

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a failure so operators can tell "will retry next cycle"
// (network) apart from "requires operator action" (trust, config, persist).
type Kind string

const (
	KindConfig   Kind = "config"
	KindNetwork  Kind = "network"
	KindProtocol Kind = "protocol"
	KindTrust    Kind = "trust"
	KindHook     Kind = "hook"
	KindPersist  Kind = "persist"
)

type Fault struct {
	Kind    Kind
	Profile string
	Detail  string

	// Hardening marks a persist fault that happened while upgrading the
	// persisted trust state after a successful issuance. Such a failure
	// overrides the otherwise-successful result.
	Hardening bool

	wrapped   error
	wrappedID string
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s error", f.Kind)
	if f.Profile != "" {
		msg = fmt.Sprintf("%s error (profile %q)", f.Kind, f.Profile)
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.wrapped != nil {
		msg += ": " + f.wrapped.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.wrapped
}

func (f *Fault) ID() string {
	return f.wrappedID
}

// WithProfile returns a copy of the fault annotated with the profile's
// service name, so per-profile failures stay attributable after fan-out.
func (f *Fault) WithProfile(serviceName string) *Fault {
	copied := *f
	copied.Profile = serviceName
	return &copied
}

func newFault(kind Kind, detail string, wrapped error) *Fault {
	return &Fault{
		Kind:      kind,
		Detail:    detail,
		wrapped:   wrapped,
		wrappedID: uuid.NewString(),
	}
}

func Config(detail string) *Fault {
	return newFault(KindConfig, detail, nil)
}

func Configf(format string, args ...any) *Fault {
	return newFault(KindConfig, fmt.Sprintf(format, args...), nil)
}

func Network(detail string, wrapped error) *Fault {
	return newFault(KindNetwork, detail, wrapped)
}

func Protocol(detail string, wrapped error) *Fault {
	return newFault(KindProtocol, detail, wrapped)
}

func Protocolf(format string, args ...any) *Fault {
	return newFault(KindProtocol, fmt.Sprintf(format, args...), nil)
}

func Trust(detail string, wrapped error) *Fault {
	return newFault(KindTrust, detail, wrapped)
}

func Hook(detail string, wrapped error) *Fault {
	return newFault(KindHook, detail, wrapped)
}

func Persist(detail string, wrapped error) *Fault {
	return newFault(KindPersist, detail, wrapped)
}

// TrustHardening builds the persist fault reserved for hardening write-back
// failures. Issuance may have succeeded; the run still must not report
// success when the trust state could not be durably upgraded.
func TrustHardening(detail string, wrapped error) *Fault {
	f := newFault(KindPersist, detail, wrapped)
	f.Hardening = true
	return f
}

// Of returns the innermost Fault in err's chain, or nil.
func Of(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

func KindOf(err error) Kind {
	if f := Of(err); f != nil {
		return f.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsHardening(err error) bool {
	f := Of(err)
	return f != nil && f.Hardening
}
