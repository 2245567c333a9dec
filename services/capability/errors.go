// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind categorizes capability failures for programmatic handling.
type ErrorKind int

const (
	// ErrorCapabilityAbsent means the host does not expose the capability.
	ErrorCapabilityAbsent ErrorKind = iota + 1

	// ErrorDownloadFailed means the model fetch failed during creation.
	ErrorDownloadFailed

	// ErrorCreationFailed means session creation failed for another reason.
	ErrorCreationFailed

	// ErrorInvocationFailed means a single-shot invocation failed.
	ErrorInvocationFailed

	// ErrorStreamFailed means a streamed invocation failed mid-stream.
	ErrorStreamFailed

	// ErrorUnsupportedConfiguration means the configuration was rejected
	// before creation (for example an unknown language pair).
	ErrorUnsupportedConfiguration
)

// String returns the error class as used in logs and API responses.
func (k ErrorKind) String() string {
	switch k {
	case ErrorCapabilityAbsent:
		return "capability-absent"
	case ErrorDownloadFailed:
		return "download-failed"
	case ErrorCreationFailed:
		return "creation-failed"
	case ErrorInvocationFailed:
		return "invocation-failed"
	case ErrorStreamFailed:
		return "stream-failed"
	case ErrorUnsupportedConfiguration:
		return "unsupported-configuration"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinels for errors.Is matching by class.
var (
	ErrCapabilityAbsent         = &Error{Kind: ErrorCapabilityAbsent}
	ErrDownloadFailed           = &Error{Kind: ErrorDownloadFailed}
	ErrCreationFailed           = &Error{Kind: ErrorCreationFailed}
	ErrInvocationFailed         = &Error{Kind: ErrorInvocationFailed}
	ErrStreamFailed             = &Error{Kind: ErrorStreamFailed}
	ErrUnsupportedConfiguration = &Error{Kind: ErrorUnsupportedConfiguration}
)

// Error provides structured error information for capability operations.
type Error struct {
	// Kind categorizes the error.
	Kind ErrorKind

	// Op is the operation that failed ("probe", "create", "run", ...).
	Op string

	// Capability is the affected capability kind, if known.
	Capability Kind

	// Message is a human-readable error description.
	Message string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying cause.
	Err error
}

// NewError builds an Error with the default remediation for its kind.
func NewError(kind ErrorKind, op string, cap Kind, err error) *Error {
	msg := kind.String()
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Kind:        kind,
		Op:          op,
		Capability:  cap,
		Message:     msg,
		Remediation: defaultRemediation(kind),
		Err:         err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Capability != "" {
		b.WriteString(string(e.Capability))
		b.WriteString(" ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" && e.Message != e.Kind.String() {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// FullError returns a detailed message including remediation.
func (e *Error) FullError() string {
	if e.Remediation == "" {
		return e.Error()
	}
	return fmt.Sprintf("%s\n\nTo fix:\n%s", e.Error(), e.Remediation)
}

// KindOf extracts the error class, or 0 when err is not a capability error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func defaultRemediation(kind ErrorKind) string {
	switch kind {
	case ErrorCapabilityAbsent:
		return "Check that the model host is running and that the configured model supports this capability."
	case ErrorDownloadFailed:
		return "Check network connectivity and free disk space on the host, then retry initialization."
	case ErrorCreationFailed:
		return "Retry initialization. If it keeps failing, check the host logs."
	case ErrorInvocationFailed, ErrorStreamFailed:
		return "The session is still usable. Retry the request."
	case ErrorUnsupportedConfiguration:
		return "Pick a supported configuration (see 'ondevice probe')."
	default:
		return ""
	}
}

// =============================================================================
// Error Reporter
// =============================================================================

// ErrorReporter surfaces the first error of each class and logs every error.
//
// The surfaced set is reset with Reset, typically when a new session is
// created.
type ErrorReporter struct {
	mu      sync.Mutex
	seen    map[ErrorKind]bool
	logger  *slog.Logger
	surface func(err *Error)
}

// NewErrorReporter creates a reporter. surface is invoked for the first error
// of each class and may be nil.
func NewErrorReporter(logger *slog.Logger, surface func(err *Error)) *ErrorReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorReporter{
		seen:    make(map[ErrorKind]bool),
		logger:  logger,
		surface: surface,
	}
}

// Report logs err and surfaces it if it is the first of its class.
// It returns true when the error was surfaced.
func (r *ErrorReporter) Report(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if !errors.As(err, &ce) {
		ce = NewError(ErrorInvocationFailed, "", "", err)
	}

	r.mu.Lock()
	first := !r.seen[ce.Kind]
	r.seen[ce.Kind] = true
	r.mu.Unlock()

	r.logger.Error("capability error",
		"kind", ce.Kind.String(),
		"op", ce.Op,
		"capability", string(ce.Capability),
		"error", ce.Message,
		"surfaced", first)

	if first && r.surface != nil {
		r.surface(ce)
	}
	return first
}

// Reset forgets which classes were surfaced.
func (r *ErrorReporter) Reset() {
	r.mu.Lock()
	r.seen = make(map[ErrorKind]bool)
	r.mu.Unlock()
}
