// Package provider defines the provisioning boundary: a client attempts one
// launch call and classifies the result. Workers only react to the
// classification; they never see transport details.
package provider

import (
	"context"

	"ocibot/internal/account"
)

type Class int

const (
	ClassSuccess Class = iota
	ClassRateLimited
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one provisioning attempt.
type Outcome struct {
	Class      Class
	ResourceID string // set on success
	PublicIP   string // set on success when the address resolved in time
	Reason     string // set on failure
}

func Success(resourceID string) Outcome { return Outcome{Class: ClassSuccess, ResourceID: resourceID} }
func RateLimited(reason string) Outcome { return Outcome{Class: ClassRateLimited, Reason: reason} }
func Transient(reason string) Outcome   { return Outcome{Class: ClassTransient, Reason: reason} }
func Fatal(reason string) Outcome       { return Outcome{Class: ClassFatal, Reason: reason} }

// Client attempts one provisioning call. Implementations must be safe to
// call repeatedly and must classify rate limiting distinctly from other
// failures. A ctx cancellation should surface as a transient outcome; the
// worker decides whether to continue.
type Client interface {
	Attempt(ctx context.Context, p *account.Profile, availabilityDomain string) Outcome
}

// DomainLister is implemented by providers that can enumerate the
// tenancy's availability domains. Workers use it for profiles that do not
// pin any domain.
type DomainLister interface {
	ListDomains(ctx context.Context, p *account.Profile) ([]string, error)
}

// Func adapts a plain function to Client (used by tests and fakes).
type Func func(ctx context.Context, p *account.Profile, availabilityDomain string) Outcome

func (f Func) Attempt(ctx context.Context, p *account.Profile, availabilityDomain string) Outcome {
	return f(ctx, p, availabilityDomain)
}
