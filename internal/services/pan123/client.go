// Package pan123 is a typed client for the 123pan open platform API. Every
// call runs through an ordered pipeline: retry, rate limit, auth, envelope
// unwrap, dispatch.
package pan123

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ochronus/pan123/internal/services/retry"
)

const (
	DefaultBaseURL = "https://open-api.123pan.com"
	DefaultTimeout = 30 * time.Second
	Version        = "1.0.0"
)

// Config holds the client's connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for dispatch.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithSleeper overrides how the retry stage waits out Retry-After.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(cl *Client) {
		cl.sleep = sleep
	}
}

// WithMaxRetryAfter caps how long the client waits out a Retry-After before
// surfacing the throttling error instead. It defaults to the request timeout.
func WithMaxRetryAfter(d time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetryAfter = d
	}
}

// Client represents a 123pan API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    Admitter
	sleep      func(context.Context, time.Duration) error
	log        *logrus.Entry
	handler    Handler

	maxRetryAfter time.Duration
}

var _ ClientAPI = (*Client)(nil)

// NewClient creates a client that authenticates with tokens and paces calls
// with limiter.
func NewClient(cfg Config, tokens TokenSource, limiter Admitter, logger *logrus.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens:  tokens,
		limiter: limiter,
		sleep:   retry.Sleep,
		log:     logger.WithField("component", "pipeline"),

		maxRetryAfter: cfg.Timeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	d := &dispatcher{
		baseURL:    c.baseURL,
		userAgent:  "pan123-go/" + Version,
		httpClient: c.httpClient,
		log:        c.log,
	}
	c.handler = Chain(d.Handle,
		RetryStage(c.tokens, c.sleep, c.maxRetryAfter, c.log),
		RateLimitStage(c.limiter),
		AuthStage(c.tokens),
		UnwrapStage(),
	)
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do runs req through the pipeline.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	return c.handler(ctx, req)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	req := &Request{Method: method, Path: path, Query: query}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		req.Body = body
		req.ContentType = "application/json"
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeData(resp, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.call(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.call(ctx, http.MethodPost, path, nil, in, out)
}

func decodeData(resp *Response, out interface{}) error {
	if out == nil {
		return nil
	}
	data := bytes.TrimSpace(resp.Envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       CodeTransport,
			Message:    "decode response data",
			TraceID:    resp.Envelope.TraceID,
			Details:    resp.Envelope.Data,
			Err:        err,
		}
	}
	return nil
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	field    string
	filename string
	data     []byte
}

// postForm sends a multipart/form-data body to an absolute upload URL.
func (c *Client) postForm(ctx context.Context, target string, fields []formField, file formFile, progress func(sent, total int64), out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("write form field %s: %w", f.name, err)
		}
	}
	part, err := w.CreateFormFile(file.field, file.filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(file.data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	resp, err := c.Do(ctx, &Request{
		Method:         http.MethodPost,
		Path:           target,
		Body:           buf.Bytes(),
		ContentType:    w.FormDataContentType(),
		OnBodyProgress: progress,
	})
	if err != nil {
		return err
	}
	return decodeData(resp, out)
}
