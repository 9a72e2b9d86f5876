package core

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jthorsen/optionset/internal/dataverse"
)

// RecordFormat identifies an input encoding for bulk records.
type RecordFormat string

const (
	FormatCSV  RecordFormat = "csv"
	FormatJSON RecordFormat = "json"
)

// ParseError reports the first malformed entry in an input file. Parsing is
// fail-fast: no records from a malformed file are ever submitted.
type ParseError struct {
	Line   int // 1-based line (CSV) or element index (JSON); 0 when unknown
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at entry %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("parse error: %s", e.Reason)
}

// DetectFormat guesses the format from a filename extension, defaulting to
// CSV for unknown extensions.
func DetectFormat(filename string) RecordFormat {
	if strings.HasSuffix(strings.ToLower(filename), ".json") {
		return FormatJSON
	}
	return FormatCSV
}

// ParseRecords reads label/value pairs from r in the given format and binds
// them to the kind and target as MutationRecords. The returned slice
// preserves input order.
func ParseRecords(r io.Reader, format RecordFormat, kind MutationKind, target dataverse.OptionSetRef, mergeLabels bool) ([]MutationRecord, error) {
	var pairs []labelValue
	var err error

	switch format {
	case FormatJSON:
		pairs, err = parseJSON(r)
	case FormatCSV:
		pairs, err = parseCSV(r)
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	if err != nil {
		return nil, err
	}

	records := make([]MutationRecord, len(pairs))
	for i, p := range pairs {
		records[i] = MutationRecord{
			Kind:        kind,
			Target:      target,
			Option:      dataverse.OptionValue{Label: p.Label, Value: p.Value},
			MergeLabels: mergeLabels,
		}
	}
	return records, nil
}

type labelValue struct {
	Label string
	Value int
}

// parseCSV reads headerless two-column rows: label,value. Rows with the
// wrong field count or a non-integer value fail the whole file.
func parseCSV(r io.Reader) ([]labelValue, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []labelValue
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &ParseError{Line: line, Reason: err.Error()}
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) != 2 {
			return nil, &ParseError{Line: line, Reason: fmt.Sprintf("expected 2 fields, got %d", len(row))}
		}
		label := strings.TrimSpace(row[0])
		if label == "" {
			return nil, &ParseError{Line: line, Reason: "empty label"}
		}
		value, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, &ParseError{Line: line, Reason: fmt.Sprintf("value %q is not an integer", row[1])}
		}
		out = append(out, labelValue{Label: label, Value: value})
	}
	return out, nil
}

// jsonRecord decodes one element of a JSON input array. Value is a pointer
// so a missing field can be told apart from zero.
type jsonRecord struct {
	Label *string          `json:"label"`
	Value *json.RawMessage `json:"value"`
}

// parseJSON reads an array of {"label": ..., "value": ...} objects.
func parseJSON(r io.Reader) ([]labelValue, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	var raw []jsonRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	out := make([]labelValue, 0, len(raw))
	for i, rec := range raw {
		entry := i + 1
		if rec.Label == nil {
			return nil, &ParseError{Line: entry, Reason: "missing label"}
		}
		if strings.TrimSpace(*rec.Label) == "" {
			return nil, &ParseError{Line: entry, Reason: "empty label"}
		}
		if rec.Value == nil {
			return nil, &ParseError{Line: entry, Reason: "missing value"}
		}
		var value int
		if err := json.Unmarshal(*rec.Value, &value); err != nil {
			return nil, &ParseError{Line: entry, Reason: fmt.Sprintf("value %s is not an integer", string(*rec.Value))}
		}
		out = append(out, labelValue{Label: strings.TrimSpace(*rec.Label), Value: value})
	}
	return out, nil
}
