// Package errdefs defines the error kinds shared by the lanwarden
// components. Components return these typed errors instead of dispatching
// through a central handler; callers match them with errors.As.
package errdefs

import "fmt"

// ValidationError reports caller-correctable bad input: an unknown network
// interface, an oversized network specification, a bad scan interval, or
// plugin content that failed static screening. Never retried internally.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

// RateLimitError indicates the sliding-window rate limiter denied the
// request. The caller must wait out the window before retrying.
type RateLimitError struct {
	Op string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s", e.Op)
}

// ConcurrencyLimitError indicates an operation hit a fixed concurrency
// ceiling, such as the active-scan limit or a duplicate continuous-scan
// request. The caller should back off and retry later.
type ConcurrencyLimitError struct {
	Op    string
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("concurrency limit reached for %s (limit %d)", e.Op, e.Limit)
	}
	return fmt.Sprintf("concurrency limit reached for %s", e.Op)
}

// SandboxViolationError covers every failure of sandboxed plugin code:
// wall-clock timeout, memory ceiling breach, or a panic/error raised by the
// untrusted code itself. Always terminal for that call. The original cause
// is preserved for diagnostics.
type SandboxViolationError struct {
	Op      string
	Timeout bool
	Cause   error
}

func (e *SandboxViolationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("sandbox violation in %s: execution timed out", e.Op)
	}
	if e.Cause != nil {
		return fmt.Sprintf("sandbox violation in %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("sandbox violation in %s", e.Op)
}

func (e *SandboxViolationError) Unwrap() error { return e.Cause }

// CryptoError reports a failed encryption, decryption or signature
// operation. Terminal; never masked as an empty result.
type CryptoError struct {
	Op    string
	Cause error
}

func (e *CryptoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%s failed", e.Op)
}

func (e *CryptoError) Unwrap() error { return e.Cause }

// LifecycleError reports a plugin activation, deactivation or reload
// failure. The loader rolls the plugin back to a consistent cached or
// evicted state before returning it.
type LifecycleError struct {
	Plugin string
	Op     string
	Reason string
	Cause  error
}

func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("plugin %s: %s failed", e.Plugin, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *LifecycleError) Unwrap() error { return e.Cause }
