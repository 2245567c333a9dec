// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they are sent
// to a model host.
//
// Model names end up in request bodies, log lines and export metadata. They
// are restricted to the characters host registries accept: a name, an
// optional namespace path and an optional ":tag".
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modelPattern matches "llama3.2", "llama3.2:1b", "library/gemma3:4b-it-q4_K_M"
// and "hf.co/org/model:Q4_K_M".
var modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*(/[A-Za-z0-9][A-Za-z0-9._\-]*)*(:[A-Za-z0-9][A-Za-z0-9._\-]*)?$`)

// MaxModelNameLength bounds a model name, tag included.
const MaxModelNameLength = 200

// ValidateModelName returns an error unless model is a well-formed host
// model name.
func ValidateModelName(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if len(model) > MaxModelNameLength {
		return fmt.Errorf("model name too long: %d characters (max %d)", len(model), MaxModelNameLength)
	}
	if !modelPattern.MatchString(model) {
		return fmt.Errorf("invalid model name %q (want name[/name...][:tag] using letters, digits, '.', '_' or '-')", model)
	}
	return nil
}

// ValidateModelNames validates every name and reports the first failure.
func ValidateModelNames(models []string) error {
	for _, m := range models {
		if err := ValidateModelName(m); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeModelName trims surrounding whitespace and validates the result.
func SanitizeModelName(model string) (string, error) {
	model = strings.TrimSpace(model)
	if err := ValidateModelName(model); err != nil {
		return "", err
	}
	return model, nil
}
