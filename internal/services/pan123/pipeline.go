package pan123

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ochronus/pan123/internal/services/retry"
)

// Request is one logical API call. The body is kept as bytes so the call can
// be replayed after a token refresh or a throttling pause.
type Request struct {
	Method string
	// Path is relative to the client's base URL, or an absolute URL for
	// upload servers.
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string

	// OnBodyProgress receives the body bytes sent so far and the body size.
	// It restarts from zero if the request is replayed.
	OnBodyProgress func(sent, total int64)

	header http.Header
}

// Envelope is the wire wrapper around every response.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"x-traceID"`
}

// Response is a dispatched call. Envelope is set once the unwrap stage ran.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Envelope   Envelope
}

// Handler processes a Request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Stage wraps a Handler with one concern of the pipeline.
type Stage func(next Handler) Handler

// Chain composes stages so that stages[0] runs first.
func Chain(h Handler, stages ...Stage) Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// TokenSource supplies bearer tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
	Clear()
}

// Admitter gates outbound calls.
type Admitter interface {
	Wait(ctx context.Context) error
}

// RetryStage replays a request at most once after a 401 (with a forced token
// refresh first) and at most once after a 429 that carries Retry-After. A
// Retry-After longer than maxWait is not waited out. Once the auth retry was
// spent, any final failure clears the token source.
func RetryStage(tokens TokenSource, sleep func(context.Context, time.Duration) error, maxWait time.Duration, log *logrus.Entry) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			// Budgets are per call so a reused Request starts fresh.
			var authRetried, throttleRetried bool
			fail := func(err error) error {
				if authRetried {
					tokens.Clear()
				}
				return err
			}

			for {
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}

				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					return nil, fail(err)
				}

				switch {
				case apiErr.Unauthorized() && !authRetried:
					authRetried = true
					log.WithField("path", req.Path).Warn("Unauthorized, refreshing token and retrying once")
					if _, rerr := tokens.ForceRefresh(ctx); rerr != nil {
						tokens.Clear()
						return nil, rerr
					}
					continue

				case apiErr.Throttled() && !throttleRetried:
					wait, ok := retry.ParseRetryAfter(apiErr.RetryAfter)
					if !ok {
						return nil, fail(err)
					}
					if maxWait > 0 && wait > maxWait {
						log.WithFields(logrus.Fields{
							"path":        req.Path,
							"retry_after": wait,
							"max_wait":    maxWait,
						}).Warn("Throttled by server for longer than allowed, giving up")
						return nil, fail(err)
					}
					throttleRetried = true
					log.WithFields(logrus.Fields{
						"path":        req.Path,
						"retry_after": wait,
					}).Warn("Throttled by server, retrying once")
					if serr := sleep(ctx, wait); serr != nil {
						return nil, serr
					}
					continue
				}

				return nil, fail(err)
			}
		}
	}
}

// RateLimitStage takes a token from the limiter before every attempt.
func RateLimitStage(limiter Admitter) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

// AuthStage injects the bearer token.
func AuthStage(tokens TokenSource) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			token, err := tokens.AccessToken(ctx)
			if err != nil {
				return nil, err
			}
			if req.header == nil {
				req.header = http.Header{}
			}
			req.header.Set("Authorization", "Bearer "+token)
			return next(ctx, req)
		}
	}
}

// UnwrapStage decodes the envelope and turns HTTP failures and non-zero
// business codes into *APIError.
func UnwrapStage() Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}

			var env Envelope
			decodeErr := json.Unmarshal(resp.Body, &env)

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				apiErr := &APIError{
					StatusCode: resp.StatusCode,
					Code:       resp.StatusCode,
					Message:    http.StatusText(resp.StatusCode),
					Details:    json.RawMessage(resp.Body),
					RetryAfter: resp.Header.Get("Retry-After"),
				}
				if decodeErr == nil {
					if env.Code != 0 {
						apiErr.Code = env.Code
					}
					if env.Message != "" {
						apiErr.Message = env.Message
					}
					apiErr.TraceID = env.TraceID
				}
				return nil, apiErr
			}

			if decodeErr != nil {
				return nil, &APIError{
					StatusCode: resp.StatusCode,
					Code:       CodeTransport,
					Message:    "invalid response envelope",
					Details:    json.RawMessage(resp.Body),
					Err:        decodeErr,
				}
			}
			if env.Code != 0 {
				return nil, &APIError{
					StatusCode: resp.StatusCode,
					Code:       env.Code,
					Message:    env.Message,
					TraceID:    env.TraceID,
					Details:    env.Data,
					RetryAfter: resp.Header.Get("Retry-After"),
				}
			}

			resp.Envelope = env
			return resp, nil
		}
	}
}

// dispatcher sends requests over HTTP.
type dispatcher struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        *logrus.Entry
}

func (d *dispatcher) resolve(req *Request) string {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = d.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return target
}

func (d *dispatcher) Handle(ctx context.Context, req *Request) (*Response, error) {
	target := d.resolve(req)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
		if req.OnBodyProgress != nil {
			body = &progressReader{r: body, fn: req.OnBodyProgress, total: int64(len(req.Body))}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &APIError{Code: CodeTransport, Message: "build request", Err: err}
	}
	if req.Body != nil {
		httpReq.ContentLength = int64(len(req.Body))
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Platform", "open_platform")
	httpReq.Header.Set("User-Agent", d.userAgent)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	start := time.Now()
	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.Path,
		}).Debug("Request failed")
		return nil, &APIError{Code: CodeTransport, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: CodeTransport, Message: "read response body", Err: err}
	}

	d.log.WithFields(logrus.Fields{
		"method":   req.Method,
		"path":     req.Path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Request completed")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

type progressReader struct {
	r     io.Reader
	fn    func(sent, total int64)
	sent  int64
	total int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
