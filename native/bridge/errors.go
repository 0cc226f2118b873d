package bridge

import "errors"

// Validation failures are terminal: the caller must never retry an attestation
// that was rejected for one of these reasons.
var (
	ErrDigestMismatch         = errors.New("bridge: attestation id does not match canonical digest")
	ErrReplayedAttestation    = errors.New("bridge: attestation id already consumed")
	ErrStaleOrDuplicateNonce  = errors.New("bridge: nonce not greater than last accepted")
	ErrFutureTimestamp        = errors.New("bridge: attestation timestamp in the future")
	ErrAttestationTooClose    = errors.New("bridge: attestation spacing below minimum")
	ErrUnsortedSignatures     = errors.New("bridge: signatures not in strict ascending signer order")
	ErrInsufficientSignatures = errors.New("bridge: signer quorum not met")
	ErrUnauthorizedSigner     = errors.New("bridge: signer is not a registered validator")
	ErrRateLimited            = errors.New("bridge: rolling window rate limit exceeded")
	ErrDailyCapExceeded       = errors.New("bridge: daily mint cap exceeded")
)

// ReasonCode maps a validation error to the stable label used by alerting
// dashboards and the validation_failures_total counter.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, ErrReplayedAttestation):
		return "replayed"
	case errors.Is(err, ErrStaleOrDuplicateNonce):
		return "stale_nonce"
	case errors.Is(err, ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, ErrAttestationTooClose):
		return "spacing"
	case errors.Is(err, ErrUnsortedSignatures):
		return "unsorted_signatures"
	case errors.Is(err, ErrInsufficientSignatures):
		return "insufficient_signatures"
	case errors.Is(err, ErrUnauthorizedSigner):
		return "unauthorized_signer"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDailyCapExceeded):
		return "daily_cap"
	default:
		return "unknown"
	}
}

// IsValidationError reports whether the error belongs to the attestation
// validation taxonomy, as opposed to infrastructure failures.
func IsValidationError(err error) bool {
	return err != nil && ReasonCode(err) != "unknown"
}
