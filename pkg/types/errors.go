package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrGraphUnavailable  = errors.New("graph unavailable")
	ErrParseFailure      = errors.New("parse failure")
	ErrExtractionFailure = errors.New("extraction failure")
	ErrCommitConflict    = errors.New("commit conflict")
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrJobNotFound       = errors.New("job not found")
	ErrTimeout           = errors.New("timeout")

	ErrNodeNotFound      = errors.New("node not found")
	ErrPathNotFound      = errors.New("path not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrJobNotCancellable = errors.New("job already started")
)

// Stage identifies an ingestion pipeline stage.
type Stage string

const (
	StageSplit     Stage = "split"
	StageEpisode   Stage = "episode"
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StageCommit    Stage = "commit"
)

// StageError records the pipeline stage an ingestion failure originated in.
type StageError struct {
	Stage Stage
	Err   error
}

// NewStageError wraps err with the stage it came from.
func NewStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded in err, or "" if there is none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrParseFailure),
		errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrUnknownType),
		errors.Is(err, ErrEmptyContent):
		return false
	case errors.Is(err, ErrGraphUnavailable),
		errors.Is(err, ErrExtractionFailure),
		errors.Is(err, ErrCommitConflict),
		errors.Is(err, ErrTimeout):
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	var tmp interface{ Temporary() bool }
	return errors.As(err, &tmp) && tmp.Temporary()
}
