// Package upload drives the 123pan upload handshake: hashing, single-shot or
// sliced transfer, instant-transfer short-circuit, and completion polling.
package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/ochronus/pan123/internal/services/pan123"
	"github.com/ochronus/pan123/internal/services/retry"
)

const (
	// SingleUploadLimit is the largest size the one-shot endpoint accepts.
	SingleUploadLimit int64 = 1 << 30

	DefaultPollInterval    = time.Second
	DefaultMaxPollAttempts = 300
)

// API is the subset of the 123pan client the engine drives.
type API interface {
	CreateFile(ctx context.Context, p pan123.CreateFileParams) (*pan123.CreateFileResult, error)
	UploadSlice(ctx context.Context, server string, p pan123.SliceParams) error
	UploadComplete(ctx context.Context, preuploadID string) (*pan123.CompleteResult, error)
	QueryUploadResult(ctx context.Context, preuploadID string) (*pan123.CompleteResult, error)
	GetUploadDomain(ctx context.Context) ([]string, error)
	SingleUpload(ctx context.Context, server string, p pan123.SingleUploadParams) (*pan123.SingleUploadResult, error)
}

// Mode selects the transfer strategy.
type Mode int

const (
	// ModeAuto uses single-shot below SingleUploadLimit and slices above it.
	ModeAuto Mode = iota
	ModeSingle
	ModeMultipart
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMultipart:
		return "multipart"
	default:
		return "auto"
	}
}

// ParseMode maps "auto", "single" and "multipart" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "single":
		return ModeSingle, nil
	case "multipart":
		return ModeMultipart, nil
	}
	return ModeAuto, fmt.Errorf("unknown upload mode %q", s)
}

// Source is the payload. *bytes.Reader, *io.SectionReader and *strings.Reader
// all satisfy it.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Bytes wraps an in-memory payload.
func Bytes(b []byte) Source {
	return bytes.NewReader(b)
}

// Params describes one upload.
type Params struct {
	Filename     string
	ParentFileID int64
	Source       Source
	// Etag is the payload's MD5 in hex. It is computed when empty.
	Etag string
	Mode Mode
	// Async returns right after the first completion call instead of polling.
	Async bool
	// PollInterval and MaxPollAttempts override the engine defaults when set.
	PollInterval    time.Duration
	MaxPollAttempts int
	Duplicate       int
	ContainDir      bool
	OnProgress      func(Progress)
}

func (p Params) validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Filename, validation.Required),
		validation.Field(&p.Source, validation.Required),
		validation.Field(&p.ParentFileID, validation.Min(int64(0))),
		validation.Field(&p.Mode, validation.In(ModeAuto, ModeSingle, ModeMultipart)),
		validation.Field(&p.PollInterval, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxPollAttempts, validation.Min(0)),
	)
}

// Result is the outcome of an upload. In async mode FileID may be zero and
// PreuploadID is what QueryResult needs later.
type Result struct {
	FileID         int64
	IsReuse        bool
	IsSingleUpload bool
	IsAsync        bool
	Completed      bool
	PreuploadID    string
	Etag           string
	Size           int64
}

// Config holds engine-wide defaults.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleeper overrides how the engine waits between polls.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// Engine runs uploads. It is stateless between calls, so one Engine can run
// many uploads concurrently; each call owns its own session.
type Engine struct {
	api   API
	cfg   Config
	sleep func(context.Context, time.Duration) error
	log   *logrus.Entry
}

// NewEngine creates an Engine on top of api.
func NewEngine(api API, cfg Config, logger *logrus.Logger, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		api:   api,
		cfg:   cfg,
		sleep: retry.Sleep,
		log:   logger.WithField("component", "upload"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State is where a session is in the handshake.
type State string

const (
	StateStart    State = "start"
	StateHash     State = "hash"
	StateSingle   State = "single"
	StateCreate   State = "create"
	StateSlice    State = "slice"
	StateComplete State = "complete"
	StatePoll     State = "poll"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// session is the state of one Upload call.
type session struct {
	filename       string
	totalSize      int64
	contentHash    string
	sliceSize      int64
	preuploadID    string
	uploadServers  []string
	slicesUploaded int
	mode           Mode
	state          State

	params   Params
	interval time.Duration
	maxPolls int
	progress *tracker
	log      *logrus.Entry
}

func (s *session) enter(st State) {
	s.state = st
	s.log.WithField("state", st).Debug("Upload state changed")
}

// Upload transfers p.Source and returns the resulting file.
func (e *Engine) Upload(ctx context.Context, p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, stepErr(StepValidate, err)
	}

	s := &session{
		filename:  p.Filename,
		totalSize: p.Source.Size(),
		mode:      p.Mode,
		state:     StateStart,
		params:    p,
		interval:  e.cfg.PollInterval,
		maxPolls:  e.cfg.MaxPollAttempts,
	}
	if p.PollInterval > 0 {
		s.interval = p.PollInterval
	}
	if p.MaxPollAttempts > 0 {
		s.maxPolls = p.MaxPollAttempts
	}
	if s.mode == ModeAuto {
		s.mode = ModeSingle
		if s.totalSize >= SingleUploadLimit {
			s.mode = ModeMultipart
		}
	}
	if s.mode == ModeSingle && s.totalSize >= SingleUploadLimit {
		return nil, stepErr(StepValidate, fmt.Errorf("single-shot upload is limited to %d bytes", SingleUploadLimit))
	}
	s.log = e.log.WithFields(logrus.Fields{
		"filename": s.filename,
		"size":     s.totalSize,
		"mode":     s.mode.String(),
	})

	res, err := e.run(ctx, s)
	if err != nil {
		s.enter(StateFailed)
		s.log.WithError(err).Error("Upload failed")
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"file_id": res.FileID,
		"reuse":   res.IsReuse,
		"async":   res.IsAsync,
	}).Info("Upload finished")
	return res, nil
}

func (e *Engine) run(ctx context.Context, s *session) (*Result, error) {
	s.enter(StateHash)
	s.contentHash = s.params.Etag
	if s.contentHash == "" {
		sum, err := hashSource(s.params.Source, s.totalSize)
		if err != nil {
			return nil, stepErr(StepHash, err)
		}
		s.contentHash = sum
	}

	if s.mode == ModeSingle {
		return e.single(ctx, s)
	}
	return e.multipart(ctx, s)
}

func (e *Engine) single(ctx context.Context, s *session) (*Result, error) {
	s.enter(StateSingle)
	s.progress = newTracker(s.params.OnProgress, s.totalSize, 0)

	servers, err := e.api.GetUploadDomain(ctx)
	if err != nil {
		return nil, stepErr(StepDomain, err)
	}
	if len(servers) == 0 {
		return nil, stepErr(StepDomain, ErrNoUploadServer)
	}
	s.uploadServers = servers

	data := make([]byte, s.totalSize)
	if err := readFull(s.params.Source, data, 0); err != nil {
		return nil, stepErr(StepSingle, err)
	}

	out, err := e.api.SingleUpload(ctx, servers[0], pan123.SingleUploadParams{
		ParentFileID: s.params.ParentFileID,
		Filename:     s.filename,
		Etag:         s.contentHash,
		Data:         data,
		Duplicate:    s.params.Duplicate,
		ContainDir:   s.params.ContainDir,
		OnProgress: func(sent, total int64) {
			if total > 0 {
				s.progress.bytes(s.totalSize*sent/total, 0)
			}
		},
	})
	if err != nil {
		return nil, stepErr(StepSingle, err)
	}

	res := &Result{IsSingleUpload: true, Etag: s.contentHash, Size: s.totalSize}
	if out.Completed && out.FileID != 0 {
		s.enter(StateDone)
		s.progress.done()
		res.FileID = out.FileID
		res.Completed = true
		return res, nil
	}

	// The one-shot endpoint has no session to poll later.
	if s.params.Async {
		s.progress.transferred()
		res.IsAsync = true
		return res, nil
	}
	return nil, stepErr(StepSingle, ErrIncomplete)
}

func (e *Engine) multipart(ctx context.Context, s *session) (*Result, error) {
	s.enter(StateCreate)
	created, err := e.api.CreateFile(ctx, pan123.CreateFileParams{
		ParentFileID: s.params.ParentFileID,
		Filename:     s.filename,
		Etag:         s.contentHash,
		Size:         s.totalSize,
		Duplicate:    s.params.Duplicate,
		ContainDir:   s.params.ContainDir,
	})
	if err != nil {
		return nil, stepErr(StepCreate, err)
	}

	// A reuse answer without a file ID still carries a session when the
	// server wants the data after all.
	if created.Reuse && created.FileID == 0 && created.PreuploadID == "" {
		return nil, stepErr(StepCreate, ErrReuseWithoutFileID)
	}
	if created.Reuse && created.FileID != 0 {
		s.enter(StateDone)
		s.log.WithField("file_id", created.FileID).Info("Instant transfer, server already has this content")
		newTracker(s.params.OnProgress, s.totalSize, 0).done()
		return &Result{
			FileID:    created.FileID,
			IsReuse:   true,
			Completed: true,
			Etag:      s.contentHash,
			Size:      s.totalSize,
		}, nil
	}

	if created.PreuploadID == "" || len(created.Servers) == 0 {
		return nil, stepErr(StepCreate, errors.New("missing preupload ID or upload servers"))
	}
	if created.SliceSize <= 0 && s.totalSize > 0 {
		return nil, stepErr(StepCreate, fmt.Errorf("invalid slice size %d", created.SliceSize))
	}
	s.preuploadID = created.PreuploadID
	s.uploadServers = created.Servers
	s.sliceSize = created.SliceSize

	totalSlices := 0
	if s.totalSize > 0 {
		totalSlices = int(1 + (s.totalSize-1)/s.sliceSize)
	}
	s.progress = newTracker(s.params.OnProgress, s.totalSize, totalSlices)

	if err := e.uploadSlices(ctx, s, totalSlices); err != nil {
		return nil, err
	}
	s.progress.transferred()

	return e.complete(ctx, s)
}

// uploadSlices sends slices one after another, numbered from 1.
func (e *Engine) uploadSlices(ctx context.Context, s *session, totalSlices int) error {
	s.enter(StateSlice)
	server := s.uploadServers[0]
	buf := make([]byte, 0, min(s.sliceSize, s.totalSize))

	for i := 0; i < totalSlices; i++ {
		sliceNo := i + 1
		offset := int64(i) * s.sliceSize
		length := s.sliceSize
		if remaining := s.totalSize - offset; remaining < length {
			length = remaining
		}

		data := buf[:length]
		if err := readFull(s.params.Source, data, offset); err != nil {
			return &StepError{Step: StepSlice, SliceNo: sliceNo, Err: err}
		}
		sum := md5.Sum(data)

		err := e.api.UploadSlice(ctx, server, pan123.SliceParams{
			PreuploadID: s.preuploadID,
			SliceNo:     sliceNo,
			SliceMD5:    hex.EncodeToString(sum[:]),
			Data:        data,
			OnProgress: func(sent, total int64) {
				if total > 0 {
					s.progress.bytes(offset+length*sent/total, sliceNo)
				}
			},
		})
		if err != nil {
			return &StepError{Step: StepSlice, SliceNo: sliceNo, Err: err}
		}

		s.slicesUploaded++
		s.progress.bytes(offset+length, sliceNo)
		s.log.WithFields(logrus.Fields{
			"slice": sliceNo,
			"of":    totalSlices,
		}).Debug("Slice uploaded")
	}
	return nil
}

// complete closes the session. Attempt 0 is the completion call itself;
// later attempts are polls, spaced by the poll interval.
func (e *Engine) complete(ctx context.Context, s *session) (*Result, error) {
	s.enter(StateComplete)
	res := &Result{PreuploadID: s.preuploadID, Etag: s.contentHash, Size: s.totalSize}

	err := retry.Do(ctx, retry.Config{
		MaxRetries: 1 + s.maxPolls,
		DelayFunc: func(int, error) time.Duration {
			return s.interval
		},
		ShouldRetry: func(err error) bool {
			return !s.params.Async && retry.IsRetryable(err)
		},
		Sleeper: e.sleep,
	}, func(attempt int) error {
		step := StepComplete
		if attempt > 0 {
			step = StepPoll
			if attempt == 1 {
				s.enter(StatePoll)
			}
		}

		out, err := e.api.UploadComplete(ctx, s.preuploadID)
		if err != nil {
			return stepErr(step, err)
		}
		res.FileID = out.FileID

		switch {
		case out.Completed && out.FileID != 0:
			res.Completed = true
			return nil
		case out.Completed:
			s.log.WithField("attempt", attempt).Warn("Server reported completion without a file ID, polling again")
			if attempt > 0 {
				s.progress.polling(attempt, s.maxPolls)
			}
			return &retry.RetryableError{Err: ErrCompletedWithoutFileID}
		default:
			if attempt > 0 {
				s.progress.polling(attempt, s.maxPolls)
			}
			return &retry.RetryableError{Err: ErrIncomplete}
		}
	})

	if err == nil {
		s.enter(StateDone)
		s.progress.done()
		return res, nil
	}

	if !retry.IsRetryable(err) {
		return nil, err
	}
	if s.params.Async {
		s.log.WithField("preupload_id", s.preuploadID).Info("Returning before completion, query the result later")
		res.IsAsync = true
		return res, nil
	}
	return nil, &StepError{
		Step: StepPoll,
		Err:  fmt.Errorf("%w after %d attempts: %w", ErrPollTimeout, s.maxPolls, errors.Unwrap(err)),
	}
}

// QueryResult checks once on an upload started in async mode.
func (e *Engine) QueryResult(ctx context.Context, preuploadID string) (*Result, error) {
	out, err := e.api.QueryUploadResult(ctx, preuploadID)
	if err != nil {
		return nil, stepErr(StepPoll, err)
	}
	res := &Result{PreuploadID: preuploadID}
	if out.Completed && out.FileID != 0 {
		res.Completed = true
		res.FileID = out.FileID
		return res, nil
	}
	if out.Completed {
		return res, stepErr(StepPoll, ErrCompletedWithoutFileID)
	}
	return res, nil
}

func hashSource(src io.ReaderAt, size int64) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(src, 0, size)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readFull(src io.ReaderAt, dst []byte, offset int64) error {
	n, err := src.ReadAt(dst, offset)
	if n == len(dst) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at offset %d: %w", len(dst), offset, err)
}
