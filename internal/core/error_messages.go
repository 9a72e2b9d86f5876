package core

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable
// guidance. The code gives support staff a stable handle on the failure.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive, matched with
// strings.Contains) to user messages. The first matching pattern wins, so
// specific patterns come before general ones.
var errorPatterns = []errorPattern{
	// Authentication (AUTH001-AUTH003)
	{
		pattern: "token endpoint unreachable",
		msg: UserMessage{
			Message: "Unable to reach the sign-in service",
			Action:  "Check connectivity and the tenant ID, then try again",
			Code:    "AUTH001",
		},
	},
	{
		pattern: "authentication failed",
		msg: UserMessage{
			Message: "Dataverse rejected the credentials",
			Action:  "Verify the client ID, secret, and tenant ID",
			Code:    "AUTH002",
		},
	},
	{
		pattern: "incomplete credentials",
		msg: UserMessage{
			Message: "Connection settings are missing",
			Action:  "Set the client ID, client secret, tenant ID, and environment URL",
			Code:    "AUTH003",
		},
	},

	// Input parsing (VAL001-VAL003)
	{
		pattern: "not an integer",
		msg: UserMessage{
			Message: "An option value is not a whole number",
			Action:  "Option values must be integers",
			Code:    "VAL002",
		},
	},
	{
		pattern: "no records in input",
		msg: UserMessage{
			Message: "The input file contains no records",
			Action:  "Provide at least one label,value pair",
			Code:    "VAL003",
		},
	},
	{
		pattern: "parse error",
		msg: UserMessage{
			Message: "The input file is malformed",
			Action:  "Fix the reported entry; expected label,value rows or a JSON array",
			Code:    "VAL001",
		},
	},

	// Remote API (API001-API004). "job not found" must precede the broader
	// "not found" pattern below.
	{
		pattern: "job not found",
		msg: UserMessage{
			Message: "Job not found",
			Action:  "The job may have expired; start a new one",
			Code:    "JOB002",
		},
	},
	{
		pattern: "already exists",
		msg: UserMessage{
			Message: "The option value already exists in the OptionSet",
			Action:  "Use safe insert to skip duplicates automatically",
			Code:    "API001",
		},
	},
	{
		pattern: "not found",
		msg: UserMessage{
			Message: "The OptionSet was not found",
			Action:  "Verify the OptionSet name, or the entity and attribute names",
			Code:    "API002",
		},
	},
	{
		pattern: "transient failure",
		msg: UserMessage{
			Message: "Dataverse did not respond in time",
			Action:  "The operation was retried; try again in a few moments",
			Code:    "API003",
		},
	},
	{
		pattern: "request rejected",
		msg: UserMessage{
			Message: "Dataverse rejected the request",
			Action:  "Review the record that failed and correct its data",
			Code:    "API004",
		},
	},

	// Job lifecycle (JOB001-JOB004)
	{
		pattern: "already running",
		msg: UserMessage{
			Message: "Another bulk job is in progress",
			Action:  "Wait for the current job to finish, then retry",
			Code:    "JOB001",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The operation was cancelled",
			Action:  "Start a new job when ready",
			Code:    "JOB003",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The operation timed out",
			Action:  "Try a smaller file or check your connection",
			Code:    "JOB004",
		},
	},

	// Rate limiting (RATE001)
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is the ERR000 fallback when no pattern matches. Check the
// application logs for the original technical error.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. Patterns
// are matched case-insensitively; the first match wins.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
