// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
)

// =============================================================================
// Export Formats
// =============================================================================

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want json or csv)", raw)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Field is one labelled metadata row.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Metadata describes where and how a batch was produced.
type Metadata struct {
	// Title heads the CSV metadata block.
	Title string `json:"title"`

	// Generated is the export time.
	Generated strfmt.DateTime `json:"timestamp"`

	// Environment names the host backend and client platform.
	Environment string `json:"environment"`

	// Fields are additional rows such as the language pair.
	Fields []Field `json:"fields,omitempty"`
}

// Environment returns "<backend> <version> (<os>/<arch>)".
func Environment(backend, version string) string {
	name := strings.TrimSpace(backend + " " + version)
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s (%s/%s)", name, runtime.GOOS, runtime.GOARCH)
}

// NewMetadata builds metadata stamped with now.
func NewMetadata(title, environment string, now time.Time, fields ...Field) Metadata {
	return Metadata{
		Title:       title,
		Generated:   strfmt.DateTime(now.UTC()),
		Environment: environment,
		Fields:      fields,
	}
}

// DefaultTitle returns the export title for a capability kind.
func DefaultTitle(k Kind) string {
	switch k {
	case KindTranslator:
		return "Translation Benchmark Export"
	case KindDetector:
		return "Language Detection Export"
	case KindMultimodal:
		return "Image Description Export"
	default:
		return "Prompt Batch Export"
	}
}

// =============================================================================
// Export
// =============================================================================

// Export writes run in the given format.
func Export(w io.Writer, format Format, run *BatchRun, meta Metadata) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, run, meta)
	case FormatCSV:
		return WriteCSV(w, run, meta)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

type jsonExport struct {
	Metadata
	Configuration Config        `json:"configuration"`
	RunID         string        `json:"runId"`
	Kind          Kind          `json:"kind"`
	TotalTests    int           `json:"totalTests"`
	Stats         BatchStats    `json:"stats"`
	Results       []BatchResult `json:"results"`
}

// WriteJSON writes an indented JSON document with metadata and all rows.
func WriteJSON(w io.Writer, run *BatchRun, meta Metadata) error {
	doc := jsonExport{
		Metadata:      meta,
		Configuration: run.Config,
		RunID:         run.ID,
		Kind:          run.Kind,
		TotalTests:    len(run.Results),
		Stats:         run.Stats,
		Results:       run.Results,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

// WriteCSV writes the metadata block, a blank line, the header and one line
// per row.
//
// # Description
//
// Time and rate columns are rounded to whole numbers. Error rows show
// "Error: <message>" in the output column. Detail keys found in any row are
// appended as extra columns in sorted order.
func WriteCSV(w io.Writer, run *BatchRun, meta Metadata) error {
	cw := csv.NewWriter(w)

	title := meta.Title
	if title == "" {
		title = DefaultTitle(run.Kind)
	}
	metaRows := [][]string{
		{title},
		{"Generated:", meta.Generated.String()},
		{"Environment:", meta.Environment},
	}
	for _, f := range meta.Fields {
		metaRows = append(metaRows, []string{f.Name + ":", f.Value})
	}
	metaRows = append(metaRows, []string{"Total Tests:", strconv.Itoa(len(run.Results))})
	if err := cw.WriteAll(metaRows); err != nil {
		return fmt.Errorf("write csv metadata: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("write csv separator: %w", err)
	}

	detailKeys := collectDetailKeys(run.Results)
	inLabel, outLabel := columnLabels(run.Kind)
	header := []string{"Index", inLabel, outLabel, "Time (ms)", "Characters/Second", "Status"}
	if hasConfidence(run.Results) {
		header = append(header, "Confidence")
	}
	header = append(header, detailKeys...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	withConfidence := hasConfidence(run.Results)
	for _, r := range run.Results {
		out := r.Output
		if r.Status == StatusError {
			out = "Error: " + r.Error
		}
		row := []string{
			strconv.Itoa(r.Index),
			r.Input,
			out,
			strconv.FormatInt(int64(math.Round(r.DurationMs)), 10),
			strconv.FormatInt(int64(math.Round(r.Rate)), 10),
			string(r.Status),
		}
		if withConfidence {
			conf := ""
			if r.Confidence != nil {
				conf = strconv.FormatFloat(*r.Confidence, 'f', 4, 64)
			}
			row = append(row, conf)
		}
		for _, k := range detailKeys {
			row = append(row, r.Detail[k])
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", r.Index, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename returns the download name for an export.
func Filename(run *BatchRun, meta Metadata, format Format) string {
	ts := time.Time(meta.Generated).UTC().Format("2006-01-02T15-04-05")
	env := strings.Join(strings.Fields(meta.Environment), "-")
	env = strings.NewReplacer("(", "", ")", "", "/", "-").Replace(env)
	var prefix string
	switch run.Kind {
	case KindTranslator:
		prefix = "translation-benchmark"
	case KindDetector:
		prefix = "language-detection-results"
	case KindMultimodal:
		prefix = "image-description-results"
	default:
		prefix = "prompt-batch-results"
	}
	if env == "" {
		return fmt.Sprintf("%s-%s.%s", prefix, ts, format)
	}
	return fmt.Sprintf("%s-%s-%s.%s", prefix, env, ts, format)
}

func columnLabels(k Kind) (string, string) {
	switch k {
	case KindTranslator:
		return "Original Text", "Translated Text"
	case KindDetector:
		return "Text", "Detected Language"
	case KindMultimodal:
		return "Prompt", "Description"
	default:
		return "Prompt", "Response"
	}
}

func hasConfidence(results []BatchResult) bool {
	for _, r := range results {
		if r.Confidence != nil {
			return true
		}
	}
	return false
}

func collectDetailKeys(results []BatchResult) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range results {
		for k := range r.Detail {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
