package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/ochronus/pan123/internal/config"
	"github.com/ochronus/pan123/internal/services/auth"
	"github.com/ochronus/pan123/internal/services/pan123"
	"github.com/ochronus/pan123/internal/services/ratelimit"
	"github.com/ochronus/pan123/internal/transfer"
	"github.com/ochronus/pan123/internal/upload"
)

// Container centralizes the core dependencies used across the application.
// It is intentionally small and uses interfaces so callers (and tests) can
// substitute implementations easily.
type Container struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Auth      *auth.Authenticator
	Limiter   *ratelimit.Limiter
	Client    pan123.ClientAPI
	Engine    *upload.Engine
	Transfers *transfer.Manager
	Fs        afero.Fs

	// CheckCredentials fetches a token and the account info during
	// construction so bad credentials fail early.
	CheckCredentials bool

	httpClient      *http.Client
	transferOptions []transfer.Option
}

// Option allows customizing the container during construction.
type Option func(*Container) error

// WithLogger overrides the default logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Container) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithClient overrides the default 123pan client.
func WithClient(client pan123.ClientAPI) Option {
	return func(c *Container) error {
		if client == nil {
			return fmt.Errorf("123pan client cannot be nil")
		}
		c.Client = client
		return nil
	}
}

// WithHTTPClient sets the HTTP client shared by the authenticator and the
// API client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Container) error {
		if hc == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithFs overrides the filesystem batch uploads read from.
func WithFs(fs afero.Fs) Option {
	return func(c *Container) error {
		if fs == nil {
			return fmt.Errorf("filesystem cannot be nil")
		}
		c.Fs = fs
		return nil
	}
}

// WithTransferOptions passes options through to the transfer manager.
func WithTransferOptions(opts ...transfer.Option) Option {
	return func(c *Container) error {
		c.transferOptions = append(c.transferOptions, opts...)
		return nil
	}
}

// WithCredentialCheck enables or disables the startup credential check (default: disabled).
func WithCredentialCheck(check bool) Option {
	return func(c *Container) error {
		c.CheckCredentials = check
		return nil
	}
}

// NewContainer builds a Container with sensible defaults derived from cfg.
// Options can be supplied to override specific dependencies (useful in tests).
func NewContainer(cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	container := &Container{
		Config: cfg,
		Logger: BuildLogger(cfg.Loglevel),
	}

	// Apply options early so tests can inject mocks before defaults are created.
	for _, opt := range opts {
		if err := opt(container); err != nil {
			return nil, err
		}
	}

	if container.httpClient == nil {
		container.httpClient = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	if container.Fs == nil {
		container.Fs = afero.NewOsFs()
	}

	container.Auth = auth.New(auth.Config{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.RequestTimeout(),
		Debug:        cfg.Debug,
		DebugToken:   cfg.DebugToken,
	}, container.Logger, auth.WithHTTPClient(container.httpClient))

	container.Limiter = ratelimit.New(ratelimit.Config{
		MaxRequests:     cfg.RateLimit.MaxRequests,
		PerMilliseconds: cfg.RateLimit.PerMilliseconds,
		MaxRetries:      cfg.RateLimit.MaxRetries,
	}, container.Logger)

	if container.Client == nil {
		container.Client = pan123.NewClient(pan123.Config{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.RequestTimeout(),
		}, container.Auth, container.Limiter, container.Logger, pan123.WithHTTPClient(container.httpClient))
	}

	container.Engine = upload.NewEngine(container.Client, upload.Config{
		PollInterval:    cfg.PollInterval(),
		MaxPollAttempts: cfg.Upload.MaxPollAttempts,
	}, container.Logger)

	mode, err := upload.ParseMode(cfg.Upload.Mode)
	if err != nil {
		return nil, err
	}
	container.Transfers = transfer.NewManager(transfer.Config{
		Workers:      cfg.Upload.Workers,
		ParentFileID: cfg.Upload.ParentFileID,
		SkipPatterns: cfg.Upload.SkipPatterns,
		Mode:         mode,
		Async:        cfg.Upload.Async,
		Duplicate:    cfg.Upload.Duplicate,
	}, container.Fs, container.Engine, container.Logger, container.transferOptions...)

	if container.CheckCredentials {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
		defer cancel()
		if _, err := container.Client.UserInfo(ctx); err != nil {
			return nil, fmt.Errorf("failed to verify 123pan credentials: %w", err)
		}
	}

	return container, nil
}

// BuildLogger creates the application logger at levelStr, falling back to info.
func BuildLogger(levelStr string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
