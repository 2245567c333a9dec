// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ollama

import (
	"bytes"
	"fmt"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// HostErrorType categorizes host failures for programmatic handling.
type HostErrorType int

const (
	// HostErrorConnectionFailed indicates the Ollama server is not reachable.
	HostErrorConnectionFailed HostErrorType = iota

	// HostErrorModelNotFound indicates the model is not in the registry.
	HostErrorModelNotFound

	// HostErrorPullFailed indicates the model download failed.
	HostErrorPullFailed

	// HostErrorInvalidResponse indicates Ollama returned unexpected data.
	HostErrorInvalidResponse

	// HostErrorRequestFailed indicates a chat or generate call was rejected.
	HostErrorRequestFailed

	// HostErrorVersionTooOld indicates the server predates required APIs.
	HostErrorVersionTooOld

	// HostErrorContextCancelled indicates the operation was cancelled.
	HostErrorContextCancelled
)

// String returns the error type as a string for logging.
func (t HostErrorType) String() string {
	switch t {
	case HostErrorConnectionFailed:
		return "CONNECTION_FAILED"
	case HostErrorModelNotFound:
		return "MODEL_NOT_FOUND"
	case HostErrorPullFailed:
		return "PULL_FAILED"
	case HostErrorInvalidResponse:
		return "INVALID_RESPONSE"
	case HostErrorRequestFailed:
		return "REQUEST_FAILED"
	case HostErrorVersionTooOld:
		return "VERSION_TOO_OLD"
	case HostErrorContextCancelled:
		return "CONTEXT_CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// HostError provides structured error information for Ollama calls.
type HostError struct {
	// Type categorizes the error for programmatic handling.
	Type HostErrorType

	// Model is the model involved, if any.
	Model string

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *HostError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// FullError returns a detailed error message including remediation.
func (e *HostError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// toCapabilityError maps a host failure during op onto the capability
// taxonomy. fallback is used for types with no direct mapping.
func toCapabilityError(err error, op string, kind capability.Kind, fallback capability.ErrorKind) *capability.Error {
	he, ok := err.(*HostError)
	if !ok {
		return capability.NewError(fallback, op, kind, err)
	}
	var ek capability.ErrorKind
	switch he.Type {
	case HostErrorPullFailed, HostErrorModelNotFound:
		ek = capability.ErrorDownloadFailed
	case HostErrorVersionTooOld:
		ek = capability.ErrorCapabilityAbsent
	default:
		ek = fallback
	}
	ce := capability.NewError(ek, op, kind, he)
	if he.Remediation != "" {
		ce.Remediation = he.Remediation
	}
	return ce
}
