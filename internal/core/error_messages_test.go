package core

import (
	"errors"
	"testing"

	"github.com/jthorsen/optionset/internal/dataverse"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "auth error",
			err:      &dataverse.AuthError{StatusCode: 401, Detail: "invalid client secret"},
			wantCode: "AUTH002",
		},
		{
			name:     "unreachable login endpoint",
			err:      &dataverse.AuthError{Detail: "token endpoint unreachable: dial tcp"},
			wantCode: "AUTH001",
		},
		{
			name:     "parse error",
			err:      &ParseError{Line: 3, Reason: "expected 2 fields, got 1"},
			wantCode: "VAL001",
		},
		{
			name:     "duplicate value",
			err:      &dataverse.ValidationError{StatusCode: 400, Detail: "a value with this id already exists"},
			wantCode: "API001",
		},
		{
			name:     "transient failure",
			err:      &dataverse.TransientError{StatusCode: 503, Detail: "upstream timeout"},
			wantCode: "API003",
		},
		{
			name:     "busy engine",
			err:      ErrJobInProgress,
			wantCode: "JOB001",
		},
		{
			name:     "unknown error",
			err:      errors.New("something odd"),
			wantCode: "ERR000",
		},
		{
			name:     "nil error",
			err:      nil,
			wantCode: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrJobInProgress)
	want := "Another bulk job is in progress (Code: JOB001). Wait for the current job to finish, then retry"
	if got != want {
		t.Errorf("FormatUserError = %q, want %q", got, want)
	}

	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}
