package core

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/jthorsen/optionset/internal/dataverse"
)

var testTarget = dataverse.OptionSetRef{Name: "new_colors"}

func TestParseRecords_CSV(t *testing.T) {
	input := "Red,1\nGreen,2\nBlue,3\n"

	records, err := ParseRecords(strings.NewReader(input), FormatCSV, KindInsert, testTarget, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	want := []struct {
		label string
		value int
	}{
		{"Red", 1},
		{"Green", 2},
		{"Blue", 3},
	}
	for i, w := range want {
		if records[i].Option.Label != w.label || records[i].Option.Value != w.value {
			t.Errorf("record %d = %q/%d, want %q/%d",
				i, records[i].Option.Label, records[i].Option.Value, w.label, w.value)
		}
		if records[i].Kind != KindInsert {
			t.Errorf("record %d kind = %q, want %q", i, records[i].Kind, KindInsert)
		}
		if records[i].Target != testTarget {
			t.Errorf("record %d target = %v, want %v", i, records[i].Target, testTarget)
		}
	}
}

func TestParseRecords_CSVErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine int
	}{
		{
			name:     "missing value field",
			input:    "Red,1\nGreen\nBlue,3\n",
			wantLine: 2,
		},
		{
			name:     "too many fields",
			input:    "Red,1,extra\n",
			wantLine: 1,
		},
		{
			name:     "non-integer value",
			input:    "Red,one\n",
			wantLine: 1,
		},
		{
			name:     "empty label",
			input:    "Red,1\n,2\n",
			wantLine: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecords(strings.NewReader(tt.input), FormatCSV, KindInsert, testTarget, false)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if pe.Line != tt.wantLine {
				t.Errorf("error line = %d, want %d", pe.Line, tt.wantLine)
			}
		})
	}
}

func TestParseRecords_JSON(t *testing.T) {
	input := `[{"label":"Red","value":1},{"label":"Green","value":2}]`

	records, err := ParseRecords(strings.NewReader(input), FormatJSON, KindUpdate, testTarget, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Option.Label != "Red" || records[0].Option.Value != 1 {
		t.Errorf("record 0 = %q/%d, want Red/1", records[0].Option.Label, records[0].Option.Value)
	}
	if !records[1].MergeLabels {
		t.Error("record 1 should carry MergeLabels")
	}
}

func TestParseRecords_JSONErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not an array", input: `{"label":"Red","value":1}`},
		{name: "missing label", input: `[{"value":1}]`},
		{name: "missing value", input: `[{"label":"Red"}]`},
		{name: "string value", input: `[{"label":"Red","value":"1"}]`},
		{name: "unknown field", input: `[{"label":"Red","value":1,"colour":"red"}]`},
		{name: "truncated", input: `[{"label":"Red","value":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecords(strings.NewReader(tt.input), FormatJSON, KindInsert, testTarget, false)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestParseRecords_FailFast(t *testing.T) {
	// A bad row anywhere means zero records come back.
	input := "Red,1\nGreen,2\nbroken\n"
	records, err := ParseRecords(strings.NewReader(input), FormatCSV, KindInsert, testTarget, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if records != nil {
		t.Errorf("expected no records on parse failure, got %d", len(records))
	}
}

func TestParseRecords_FormatEquivalence(t *testing.T) {
	// The same (label, value) pairs in either format must parse to the same
	// ordered records.
	csvInput := "Red,1\nGreen,2\nBlue,3\n"
	jsonInput := `[{"label":"Red","value":1},{"label":"Green","value":2},{"label":"Blue","value":3}]`

	fromCSV, err := ParseRecords(strings.NewReader(csvInput), FormatCSV, KindInsert, testTarget, false)
	if err != nil {
		t.Fatalf("CSV parse failed: %v", err)
	}
	fromJSON, err := ParseRecords(strings.NewReader(jsonInput), FormatJSON, KindInsert, testTarget, false)
	if err != nil {
		t.Fatalf("JSON parse failed: %v", err)
	}

	if !reflect.DeepEqual(fromCSV, fromJSON) {
		t.Errorf("formats diverge:\n csv: %+v\njson: %+v", fromCSV, fromJSON)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename string
		want     RecordFormat
	}{
		{"options.csv", FormatCSV},
		{"options.json", FormatJSON},
		{"OPTIONS.JSON", FormatJSON},
		{"options.txt", FormatCSV},
		{"options", FormatCSV},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.filename); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestParseMutationKind(t *testing.T) {
	for _, s := range []string{"insert", "Update", "DELETE"} {
		if _, err := ParseMutationKind(s); err != nil {
			t.Errorf("ParseMutationKind(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseMutationKind("upsert"); err == nil {
		t.Error("ParseMutationKind(\"upsert\") should fail")
	}
}
