package httpserver

import "regexp"

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of an input check.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID rejects empty, oversized, or non-identifier job IDs before
// they reach the store.
func ValidateJobID(jobID string) ValidationResult {
	switch {
	case jobID == "":
		return invalid("jobId", "REQUIRED", "job ID is required")
	case len(jobID) > 100:
		return invalid("jobId", "TOO_LONG", "job ID is too long (max 100 characters)")
	case !validJobID.MatchString(jobID):
		return invalid("jobId", "INVALID_FORMAT", "job ID contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: msg}}}
}
