package core

// error_messages.go maps technical errors to coded messages for API clients
// and notifications. Operators can quote the code when asking for help.
//
// # Row Errors (ROW001-ROW099)
//
//	ROW001 - Missing key: A row has no crash identifier
//	         Action: Rows without CRASH_CRN are skipped; fix them at the source
//	         Patterns: "missing key field"
//
//	ROW002 - Coercion: A value could not be converted to its column type
//	         Action: Check the listed fields and values in the load result
//	         Patterns: "coercion error"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large            Patterns: "file too large"
//	FILE002 - Invalid CSV               Patterns: "invalid csv", "parse error"
//	FILE003 - Encoding error            Patterns: "encoding error"
//	FILE004 - No file                   Patterns: "no file provided"
//	FILE005 - Empty file                Patterns: "empty file"
//	FILE006 - Not a crash extract       Patterns: "unresolvable schema"
//	FILE007 - No year in file name      Patterns: "no year prefix"
//
// # Database Errors (DB001-DB099)
//
//	DB004 - Connection refused          Patterns: "connection refused"
//	DB005 - Connection reset            Patterns: "connection reset"
//	DB006 - Timeout                     Patterns: "timeout"
//	DB007 - Deadlock                    Patterns: "deadlock"
//
// # Destination Errors (SINK001-SINK099)
//
//	SINK001 - Destination rejected the load   Patterns: "sink failure"
//	SINK002 - Destination not found           Patterns: "destination not found"
//	SINK003 - Datastore authorization         Patterns: "authorization error"
//
// # Load Errors (LOAD001-LOAD099)
//
//	LOAD001 - Load cancelled            Patterns: "load cancelled"
//	LOAD002 - System busy               Patterns: "too many loads"
//	LOAD003 - Load not found            Patterns: "load not found"
//	LOAD004 - Request cancelled         Patterns: "context canceled"
//	LOAD005 - Request timeout           Patterns: "context deadline exceeded"
//
// # Rate Limiting
//
//	RATE001 - Too many requests         Patterns: "rate limit"
//
// ERR000 is the fallback when nothing matches; check the logs for the
// original error.
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns come before general ones. Connection
// problems are listed before "sink failure" because a sink error usually
// wraps one and the connection code is the more useful answer.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Row errors
	{
		pattern: "missing key field",
		msg: UserMessage{
			Message: "A row has no crash identifier",
			Action:  "Rows without CRASH_CRN are skipped; fix them at the source",
			Code:    "ROW001",
		},
	},
	{
		pattern: "coercion error",
		msg: UserMessage{
			Message: "A value could not be converted to its column type",
			Action:  "Check the listed fields and values in the load result",
			Code:    "ROW002",
		},
	},

	// File errors
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Split the extract or raise LOAD_MAX_FILE_SIZE",
			Code:    "FILE001",
		},
	},
	{
		pattern: "invalid csv",
		msg: UserMessage{
			Message: "File is not a valid CSV",
			Action:  "Ensure the file is comma-separated with a header row",
			Code:    "FILE002",
		},
	},
	{
		pattern: "parse error",
		msg: UserMessage{
			Message: "File is not a valid CSV",
			Action:  "Check quoting near the reported line",
			Code:    "FILE002",
		},
	},
	{
		pattern: "encoding error",
		msg: UserMessage{
			Message: "File contains invalid characters",
			Action:  "Save the file as UTF-8",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was provided",
			Action:  "Attach a crash CSV in the 'file' form field",
			Code:    "FILE004",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The file is empty",
			Action:  "Upload a CSV with a header row",
			Code:    "FILE005",
		},
	},
	{
		pattern: "unresolvable schema",
		msg: UserMessage{
			Message: "The header does not look like a crash extract",
			Action:  "Check that the first line holds the crash column names",
			Code:    "FILE006",
		},
	},
	{
		pattern: "no year prefix",
		msg: UserMessage{
			Message: "The file name does not start with a four digit year",
			Action:  "Rename the file (e.g. 2019-crashes.csv) or pass a resource ID",
			Code:    "FILE007",
		},
	},

	// Connectivity
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to the destination",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Connection to the destination was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try again later or raise LOAD_TIMEOUT",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Destination was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},

	// Destination errors
	{
		pattern: "authorization error",
		msg: UserMessage{
			Message: "The datastore rejected the API key",
			Action:  "Check ckan_api_key in the settings file",
			Code:    "SINK003",
		},
	},
	{
		pattern: "destination not found",
		msg: UserMessage{
			Message: "The destination does not exist",
			Action:  "Check the resource ID or let the loader create it by name",
			Code:    "SINK002",
		},
	},
	{
		pattern: "sink failure",
		msg: UserMessage{
			Message: "The destination rejected the load",
			Action:  "Fix the destination and rerun the file; upserts are safe to repeat",
			Code:    "SINK001",
		},
	},

	// Load errors
	{
		pattern: "load cancelled",
		msg: UserMessage{
			Message: "Load was cancelled",
			Action:  "Start a new load when ready",
			Code:    "LOAD001",
		},
	},
	{
		pattern: "too many loads",
		msg: UserMessage{
			Message: "System is busy processing other loads",
			Action:  "Please wait a moment and try again",
			Code:    "LOAD002",
		},
	},
	{
		pattern: "load not found",
		msg: UserMessage{
			Message: "Load not found",
			Action:  "The load may have expired. Check the run ID",
			Code:    "LOAD003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "LOAD004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try again or raise LOAD_TIMEOUT",
			Code:    "LOAD005",
		},
	},

	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the logs",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// If no pattern matches, the ERR000 fallback is returned.
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

// FormatUserError formats an error as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err into a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
