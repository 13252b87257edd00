// Package errors provides structured error types for the wgkeeper
// reconciliation engine. Errors that cross the control-plane boundary
// carry enough context (command, exit code, stderr) to diagnose a failed
// external call without re-running it.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Structured errors for control-plane and parse failures
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrKeyGenUnavailable indicates the key generation primitive cannot run.
	ErrKeyGenUnavailable = errors.New("key generation unavailable")

	// ErrPoolExhausted indicates no free address remains in the pool.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrPeerNotFound indicates a peer does not exist in the registry.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerExists indicates a peer with the same public key already exists.
	ErrPeerExists = errors.New("peer already exists")

	// ErrInterfaceNotConfigured indicates no interface record has been created.
	ErrInterfaceNotConfigured = errors.New("interface not configured")

	// ErrInterfaceDown indicates the managed interface is absent from the
	// system, as opposed to a control-plane command failing for other reasons.
	ErrInterfaceDown = errors.New("interface not present")

	// ErrTimeout indicates a control-plane command exceeded its deadline
	// and was terminated.
	ErrTimeout = errors.New("control plane timeout")

	// ErrConfigWriteDenied indicates the config file could not be written
	// due to permissions.
	ErrConfigWriteDenied = errors.New("config write denied")

	// ErrRestartSuppressed indicates an interface restart was skipped
	// because the restart rate limit was exceeded.
	ErrRestartSuppressed = errors.New("interface restart rate limited")

	// ErrKeyUnavailable indicates no private key material is held for a
	// peer. Keys exist only for peers created by this engine; keys that
	// originated elsewhere cannot be reconstructed.
	ErrKeyUnavailable = errors.New("private key material unavailable")
)

// CommandError describes a failed control-plane command.
type CommandError struct {
	// Command is the executed command line. Secrets never appear here
	// because they travel via stdin.
	Command string
	// ExitCode is the process exit code, or -1 if the process did not run.
	ExitCode int
	// Stderr is the captured standard error output.
	Stderr string
	// Err is the underlying error.
	Err error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed (exit %d)", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ParseError describes a malformed configuration document.
type ParseError struct {
	// Line is the 1-based line number where parsing failed.
	Line int
	// Msg describes what was wrong with the line.
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config parse error at line %d: %s", e.Line, e.Msg)
}

// SyncError reports a partially failed operation: the live interface was
// mutated successfully but one or more follow-up steps (config write,
// registry update, resync) failed. Callers must treat the operation as
// succeeded with warnings, not as failed.
type SyncError struct {
	// Warnings holds the errors from the steps that failed.
	Warnings []error
}

func (e *SyncError) Error() string {
	if len(e.Warnings) == 0 {
		return "sync failed"
	}
	parts := make([]string, len(e.Warnings))
	for i, w := range e.Warnings {
		parts[i] = w.Error()
	}
	return "sync failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the collected warnings to errors.Is/As.
func (e *SyncError) Unwrap() []error {
	return e.Warnings
}

// IsNotFound returns true if the error indicates a missing peer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPeerNotFound)
}

// IsTimeout returns true if the error indicates a control-plane timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsInterfaceDown returns true if the error indicates the interface is absent.
func IsInterfaceDown(err error) bool {
	return errors.Is(err, ErrInterfaceDown)
}

// IsSyncFailure returns the SyncError carried by err, if any.
func IsSyncFailure(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// New creates a new error from a message. Provided so callers don't need
// to import both this package and the standard errors package.
func New(text string) error {
	return errors.New(text)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
