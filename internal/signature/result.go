// Package signature authenticates inbound payment notifications.
//
// Verifiers never return errors: every failure mode (missing header, malformed header,
// digest mismatch, bad certificate) collapses into a Rejected result. A verifier built
// without a secret reports Skipped so callers can tell "not configured" apart from
// "failed".
package signature

import "errors"

type Status string

const (
	StatusVerified Status = "verified"
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
)

// Result is the outcome of one verification.
type Result struct {
	Status Status
	Reason string
}

// Authenticated reports whether the caller may proceed. Skipped counts as authenticated.
func (r Result) Authenticated() bool {
	return r.Status == StatusVerified || r.Status == StatusSkipped
}

func verified() Result              { return Result{Status: StatusVerified} }
func skipped(reason string) Result  { return Result{Status: StatusSkipped, Reason: reason} }
func rejected(reason string) Result { return Result{Status: StatusRejected, Reason: reason} }

// ErrCertificateURL is returned by ValidateCertURL for URLs outside the provider domain.
var ErrCertificateURL = errors.New("signature: untrusted certificate url")

// Verifier authenticates a raw body against the value of a signature header.
type Verifier interface {
	Verify(body []byte, header string) Result
}
