package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/ochronus/pan123/internal/config"
	"github.com/ochronus/pan123/internal/mockserver"
	"github.com/ochronus/pan123/internal/services/pan123"
	"github.com/ochronus/pan123/internal/transfer"
	"github.com/ochronus/pan123/internal/upload"
)

// mockClient embeds the interface so only the methods a test needs are implemented.
type mockClient struct {
	pan123.ClientAPI
	userInfoCalled bool
	userInfoErr    error
}

func (m *mockClient) UserInfo(context.Context) (*pan123.UserInfo, error) {
	m.userInfoCalled = true
	if m.userInfoErr != nil {
		return nil, m.userInfoErr
	}
	return &pan123.UserInfo{UID: 1, Nickname: "mock"}, nil
}

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	return cfg
}

func TestNewContainerDefaults(t *testing.T) {
	container, err := NewContainer(baseConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if container.Logger == nil {
		t.Fatal("expected logger to be initialized")
	}
	if container.Auth == nil || container.Limiter == nil {
		t.Fatal("expected auth and limiter to be initialized")
	}
	if _, ok := container.Client.(*pan123.Client); !ok {
		t.Errorf("expected default client to be *pan123.Client, got %T", container.Client)
	}
	if container.Engine == nil || container.Transfers == nil {
		t.Fatal("expected upload engine and transfer manager to be initialized")
	}
	if _, ok := container.Fs.(*afero.OsFs); !ok {
		t.Errorf("expected OS filesystem by default, got %T", container.Fs)
	}
	if container.CheckCredentials {
		t.Error("expected credential check to be disabled by default")
	}
	if got := container.Limiter.Config().MaxRequests; got != 100 {
		t.Errorf("expected limiter capacity 100, got %d", got)
	}
}

func TestContainerOverrides(t *testing.T) {
	client := &mockClient{}
	customLogger := BuildLogger("debug")
	fs := afero.NewMemMapFs()

	container, err := NewContainer(
		baseConfig(),
		WithLogger(customLogger),
		WithClient(client),
		WithFs(fs),
		WithCredentialCheck(true),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if container.Logger != customLogger {
		t.Error("expected custom logger to be used")
	}
	if container.Client != client {
		t.Error("expected custom client to be used")
	}
	if container.Fs != fs {
		t.Error("expected custom filesystem to be used")
	}
	if !client.userInfoCalled {
		t.Error("expected UserInfo to be called during container construction")
	}
}

func TestCredentialCheckFailure(t *testing.T) {
	client := &mockClient{userInfoErr: errors.New("denied")}

	_, err := NewContainer(baseConfig(), WithClient(client), WithCredentialCheck(true))
	if err == nil {
		t.Fatal("expected error when the credential check fails")
	}
}

func TestNewContainerNilConfigError(t *testing.T) {
	if _, err := NewContainer(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNilOptionErrors(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"logger", WithLogger(nil)},
		{"client", WithClient(nil)},
		{"http client", WithHTTPClient(nil)},
		{"fs", WithFs(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewContainer(baseConfig(), tt.opt); err == nil {
				t.Fatalf("expected error when %s is nil", tt.name)
			}
		})
	}
}

func TestBuildLoggerFallsBackToInfo(t *testing.T) {
	if got := BuildLogger("nonsense").GetLevel().String(); got != "info" {
		t.Errorf("expected info level, got %s", got)
	}
	if got := BuildLogger("warn").GetLevel().String(); got != "warning" {
		t.Errorf("expected warning level, got %s", got)
	}
}

func TestContainerWiresAgainstMockServer(t *testing.T) {
	srv := mockserver.New(mockserver.Config{ClientID: "id", ClientSecret: "secret"}, BuildLogger("error"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := baseConfig()
	cfg.BaseURL = ts.URL
	cfg.Loglevel = "error"

	container, err := NewContainer(cfg, WithHTTPClient(&http.Client{}), WithCredentialCheck(true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.Calls("/api/v1/access_token") != 1 {
		t.Errorf("expected one token request, got %d", srv.Calls("/api/v1/access_token"))
	}
	if _, ok := container.Auth.TokenInfo(); !ok {
		t.Error("expected the authenticator to hold a token")
	}
}

func TestContainerTransfersUseConfigAndOptions(t *testing.T) {
	srv := mockserver.New(mockserver.Config{ClientID: "id", ClientSecret: "secret"}, BuildLogger("error"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/data/notes.txt", []byte("some notes"), 0644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	cfg := baseConfig()
	cfg.BaseURL = ts.URL
	cfg.Loglevel = "error"
	cfg.Upload.Mode = "multipart"
	cfg.Upload.PollIntervalMs = 1

	var (
		mu      sync.Mutex
		started []string
		last    upload.Progress
	)
	container, err := NewContainer(cfg, WithFs(fs), WithHTTPClient(&http.Client{}), WithTransferOptions(
		transfer.WithStart(func(job transfer.Job) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, job.Name)
		}),
		transfer.WithProgress(func(_ transfer.Job, p upload.Progress) {
			mu.Lock()
			defer mu.Unlock()
			last = p
		}),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcomes, err := container.Transfers.UploadPaths(context.Background(), []string{"/data"})
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != transfer.StatusSuccess {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if got := srv.Calls("/upload/v2/file/slice"); got != 1 {
		t.Errorf("expected the multipart path to send one slice, got %d", got)
	}
	if len(started) != 1 || started[0] != "data/notes.txt" {
		t.Errorf("unexpected start callbacks: %v", started)
	}
	if last.Percent != 100 {
		t.Errorf("expected final progress 100, got %v", last.Percent)
	}
}

func TestContainerRejectsUnknownMode(t *testing.T) {
	cfg := baseConfig()
	cfg.Upload.Mode = "chunked"
	if _, err := NewContainer(cfg); err == nil {
		t.Fatal("expected error for unknown upload mode")
	}
}
