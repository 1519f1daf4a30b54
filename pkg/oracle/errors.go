package oracle

import "errors"

// Common oracle errors
var (
	// ErrRateLimit indicates the provider rate limit has been exceeded
	ErrRateLimit = errors.New("rate limit exceeded. Please try again later")

	// ErrRefusal indicates the model refused to answer
	ErrRefusal = errors.New("the model refused to respond to this prompt")

	// ErrEmptyResponse indicates the model returned no content
	ErrEmptyResponse = errors.New("the model returned an empty response")

	// ErrMalformedResponse indicates the content could not be repaired into an extraction
	ErrMalformedResponse = errors.New("the model returned malformed JSON")
)

// RateLimitError represents a rate limit error with optional custom message
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return ErrRateLimit.Error()
	}
	return e.Message
}

// Is lets errors.Is(err, ErrRateLimit) match wrapped RateLimitErrors.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimit {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new rate limit error with optional custom message
func NewRateLimitError(message ...string) *RateLimitError {
	err := &RateLimitError{}
	if len(message) > 0 {
		err.Message = message[0]
	}
	return err
}
