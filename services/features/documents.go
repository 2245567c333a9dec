// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package features

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Document splitting defaults.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 0
)

var paragraphSeparators = []string{"\n\n", "\n", ". ", "。", " ", ""}

// SplitInputs turns a text document into batch inputs.
//
// With chunkSize <= 0 every non-blank line is one input. Otherwise the text
// is split on paragraph and sentence boundaries into chunks of at most
// chunkSize characters, which suits translating long documents.
func SplitInputs(text string, chunkSize int) ([]string, error) {
	if chunkSize <= 0 {
		var out []string
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out, nil
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(DefaultChunkOverlap),
		textsplitter.WithSeparators(paragraphSeparators),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split document: %w", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}
