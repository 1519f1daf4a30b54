package dto

// Result represents a generic API result
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes returned in ErrorResponse.Error.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeAccessDenied      = "access_denied"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeParseFailure      = "parse_failure"
	CodeExtractionFailure = "extraction_failure"
	CodeGraphUnavailable  = "graph_unavailable"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal_error"
)
