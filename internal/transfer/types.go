package transfer

import (
	"fmt"
	"path"
	"strings"

	"github.com/ochronus/pan123/internal/upload"
)

// Job is one local file queued for upload.
type Job struct {
	// Path is the location on the local filesystem.
	Path string
	// Name is the remote name. It contains slashes when the file came from a
	// directory, and the server creates the intermediate folders.
	Name         string
	ParentFileID int64
	Size         int64
	ContainDir   bool
}

// String returns a formatted string representation of the job
func (j Job) String() string {
	return fmt.Sprintf("[%s: %s]", j.Name, j.Path)
}

// Status is how a job ended.
type Status int

const (
	StatusSuccess Status = iota
	StatusReused
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "uploaded"
	case StatusReused:
		return "instant"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome pairs a job with its result.
type Outcome struct {
	Job    Job
	Status Status
	Result *upload.Result
	Err    error
}

func outcomeOf(job Job, res *upload.Result, err error) Outcome {
	out := Outcome{Job: job, Result: res, Err: err}
	switch {
	case err != nil:
		out.Status = StatusFailed
	case res.IsReuse:
		out.Status = StatusReused
	case res.IsAsync:
		out.Status = StatusPending
	default:
		out.Status = StatusSuccess
	}
	return out
}

// ShouldSkip reports whether name matches one of the patterns. Patterns are
// shell globs compared case-insensitively; a malformed pattern only matches
// itself.
func ShouldSkip(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)
	for _, p := range patterns {
		lp := strings.ToLower(p)
		if lp == lowerName {
			return true
		}
		if ok, err := path.Match(lp, lowerName); err == nil && ok {
			return true
		}
	}
	return false
}
