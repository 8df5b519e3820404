package upload

import (
	"errors"
	"fmt"
)

// Step names the part of the upload handshake that failed.
type Step string

const (
	StepValidate Step = "validate"
	StepHash     Step = "hash"
	StepDomain   Step = "domain"
	StepSingle   Step = "single upload"
	StepCreate   Step = "create"
	StepSlice    Step = "slice upload"
	StepComplete Step = "complete"
	StepPoll     Step = "polling"
)

var (
	// ErrPollTimeout means the server did not confirm completion within the
	// configured number of polls.
	ErrPollTimeout = errors.New("polling timeout")
	// ErrIncomplete means the server has not finished assembling the file.
	ErrIncomplete = errors.New("upload not completed")
	// ErrCompletedWithoutFileID means the server reported completion but no
	// file ID. It is kept apart from ErrIncomplete so callers can tell a
	// server anomaly from slow processing.
	ErrCompletedWithoutFileID = errors.New("upload reported complete without a file ID")
	// ErrReuseWithoutFileID means an instant transfer came back without a file ID.
	ErrReuseWithoutFileID = errors.New("instant transfer reported without a file ID")
	// ErrNoUploadServer means the server offered nowhere to send data.
	ErrNoUploadServer = errors.New("no upload server available")
)

// StepError aborts an upload. SliceNo is set for slice failures.
type StepError struct {
	Step    Step
	SliceNo int
	Err     error
}

func (e *StepError) Error() string {
	if e.SliceNo > 0 {
		return fmt.Sprintf("upload: %s failed (slice %d): %v", e.Step, e.SliceNo, e.Err)
	}
	return fmt.Sprintf("upload: %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}
