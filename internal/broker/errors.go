// Package broker implements the capability broker described in spec
// §4.2: a registry of named, versioned capabilities invoked with
// timeout, idempotency caching, and structured error classification.
package broker

import "fmt"

// ErrAlreadyRegistered is returned by Register when a (name, version)
// pair already exists and allowOverride is false.
type ErrAlreadyRegistered struct {
	Name    string
	Version string
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("capability %s@%s is already registered", e.Name, e.Version)
}

// TransportError wraps a provider-returned error that should classify
// as ErrCodeTransportError (retryable) rather than the default
// ErrCodeProviderError (not retryable). Providers whose failures are
// network/transport in nature (the MQTT provider, an MCP connection
// drop) should return this type from Invoke.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// PolicyViolationError wraps a provider-returned error that should
// classify as ErrCodePolicyViolation (not retryable) — e.g. an
// argument that parses fine against the schema but violates a
// provider-side business rule.
type PolicyViolationError struct {
	Err error
}

func (e *PolicyViolationError) Error() string { return e.Err.Error() }
func (e *PolicyViolationError) Unwrap() error { return e.Err }
