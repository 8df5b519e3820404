// Package mockserver emulates the 123pan open platform in memory. It backs
// end-to-end tests and the mock-server CLI command.
package mockserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSliceSize     int64 = 4 << 20
	DefaultTokenLifetime       = 2 * time.Hour
)

// Config controls the emulated account.
type Config struct {
	BindAddress  string
	Port         int
	ClientID     string
	ClientSecret string
	// SliceSize is handed to clients on create.
	SliceSize     int64
	TokenLifetime time.Duration
	// PendingPolls is how many completion calls answer "not yet" before the
	// file is confirmed.
	PendingPolls int
}

// Server is a gin-based fake of the vendor API.
type Server struct {
	cfg    Config
	log    *logrus.Entry
	router *gin.Engine
	srv    *http.Server

	mu     sync.Mutex
	state  *store
	calls  map[string]int
	forced struct {
		status int
		left   int
	}
	addr string
}

// New creates a server. Empty credentials accept any client.
func New(cfg Config, logger *logrus.Logger) *Server {
	if cfg.SliceSize <= 0 {
		cfg.SliceSize = DefaultSliceSize
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if logger == nil {
		logger = logrus.New()
	}
	if logger.GetLevel() < logrus.DebugLevel && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:   cfg,
		log:   logger.WithField("component", "mockserver"),
		state: newStore(),
		calls: make(map[string]int),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.logRequest)

	router.POST(pathAccessToken, s.count, s.accessToken)
	router.GET("/download/:id", s.count, s.download)

	api := router.Group("/", s.count, s.fault, s.requireToken)
	api.GET("/upload/v2/file/domain", s.uploadDomain)
	api.POST("/upload/v1/file/mkdir", s.mkdir)
	api.POST("/upload/v2/file/create", s.createFile)
	api.POST("/upload/v2/file/slice", s.uploadSlice)
	api.POST("/upload/v2/file/upload_complete", s.uploadComplete)
	api.POST("/upload/v2/file/single/create", s.singleCreate)
	api.GET("/api/v1/user/info", s.userInfo)
	api.GET("/api/v2/file/list", s.listFiles)
	api.POST("/api/v1/file/infos", s.fileInfos)
	api.GET("/api/v1/file/download_info", s.downloadInfo)
	api.POST("/api/v1/file/trash", s.trash)
	api.POST("/api/v1/offline/download", s.offlineDownload)
	api.GET("/api/v1/offline/download/process", s.offlineProcess)
	api.GET("/api/v1/offline/list", s.offlineList)
	api.GET("/api/v1/offline/info/:id", s.offlineInfo)
	api.DELETE("/api/v1/offline/delete/:id", s.offlineDelete)
	api.POST("/api/v1/offline/pause/:id", s.offlinePause)
	api.POST("/api/v1/offline/resume/:id", s.offlineResume)

	s.router = router
	return s
}

func (s *Server) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.Request.URL.Path,
		"status":   c.Writer.Status(),
		"duration": time.Since(start),
	}).Debug("Handled request")
}

// Handler exposes the router, for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the listening address once StartWithContext is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves with a background context.
func (s *Server) Start() error {
	return s.StartWithContext(context.Background())
}

// StartWithContext serves until ctx is canceled, then shuts down gracefully.
func (s *Server) StartWithContext(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()
	s.log.Infof("Mock 123pan API listening at http://%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// FailNext answers the next n API requests with status (401 or 429). The
// token endpoint is never affected. A 429 carries Retry-After: 0.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced.status = status
	s.forced.left = n
}

// RevokeTokens invalidates every issued access token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.tokens = make(map[string]time.Time)
}

// SetPendingPolls changes how many completion calls answer "not yet" for
// sessions created from now on.
func (s *Server) SetPendingPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PendingPolls = n
}

// Calls returns how many requests hit path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// FileContent returns the stored bytes of a file.
func (s *Server) FileContent(id int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.entries[id]
	if !ok || e.Dir {
		return nil, false
	}
	return e.Data, true
}

// SeedFile stores a file directly, as if uploaded earlier.
func (s *Server) SeedFile(parentID int64, name string, data []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.addFile(parentID, name, data).ID
}
