package pan123

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokens hands out "token-N", bumping N on every forced refresh.
type fakeTokens struct {
	mu         sync.Mutex
	gen        int
	accessN    int
	refreshN   int
	clearN     int
	refreshErr error
	accessErr  error
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessN++
	if f.accessErr != nil {
		return "", f.accessErr
	}
	return fmt.Sprintf("token-%d", f.gen), nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshN++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.gen++
	return fmt.Sprintf("token-%d", f.gen), nil
}

func (f *fakeTokens) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearN++
}

type fakeLimiter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeLimiter) Wait(context.Context) error {
	f.calls.Add(1)
	return f.err
}

type testEnv struct {
	client  *Client
	server  *httptest.Server
	tokens  *fakeTokens
	limiter *fakeLimiter
	sleeps  []time.Duration
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	env := &testEnv{
		server:  httptest.NewServer(handler),
		tokens:  &fakeTokens{},
		limiter: &fakeLimiter{},
	}
	t.Cleanup(env.server.Close)
	env.client = NewClient(Config{BaseURL: env.server.URL}, env.tokens, env.limiter, quietLogger(),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		}),
	)
	return env
}

func writeEnvelope(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestRequestCarriesHeaders(t *testing.T) {
	var got http.Header
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeEnvelope(w, 200, `{"code":0,"message":"ok","data":{"uid":7,"nickname":"n"}}`)
	})

	info, err := env.client.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.UID)
	assert.Equal(t, "Bearer token-0", got.Get("Authorization"))
	assert.Equal(t, "open_platform", got.Get("Platform"))
	assert.Equal(t, "pan123-go/"+Version, got.Get("User-Agent"))
	assert.Equal(t, int32(1), env.limiter.calls.Load())
}

func TestUnauthorizedTriggersOneRefreshAndOneRetry(t *testing.T) {
	var hits atomic.Int32
	var auths []string
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		if hits.Add(1) == 1 {
			writeEnvelope(w, http.StatusUnauthorized, `{"code":401,"message":"token expired"}`)
			return
		}
		writeEnvelope(w, 200, `{"code":0,"data":{"uid":1}}`)
	})

	info, err := env.client.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.UID)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, env.tokens.refreshN)
	assert.Equal(t, 0, env.tokens.clearN)
	assert.Equal(t, []string{"Bearer token-0", "Bearer token-1"}, auths)
	// Admission is checked again for the replay.
	assert.Equal(t, int32(2), env.limiter.calls.Load())
}

func TestUnauthorizedEnvelopeCodeIsRetriedToo(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			writeEnvelope(w, 200, `{"code":401,"message":"access token invalid"}`)
			return
		}
		writeEnvelope(w, 200, `{"code":0,"data":null}`)
	})

	_, err := env.client.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, env.tokens.refreshN)
}

func TestSecondUnauthorizedClearsAuthAndSurfaces(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusUnauthorized, `{"code":401,"message":"nope","x-traceID":"tr"}`)
	})

	_, err := env.client.UserInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(2), hits.Load(), "a request is retried at most once for auth")
	assert.Equal(t, 1, env.tokens.refreshN)
	assert.Equal(t, 1, env.tokens.clearN)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "tr", apiErr.TraceID)
}

func TestRefreshFailureClearsAndPropagates(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusUnauthorized, `{"code":401,"message":"expired"}`)
	})
	refreshErr := errors.New("identity endpoint down")
	env.tokens.refreshErr = refreshErr

	_, err := env.client.UserInfo(context.Background())
	assert.ErrorIs(t, err, refreshErr)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, env.tokens.clearN)
}

func TestThrottledWithRetryAfterRetriesOnce(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			writeEnvelope(w, http.StatusTooManyRequests, `{"code":429,"message":"slow down"}`)
			return
		}
		writeEnvelope(w, 200, `{"code":0,"data":{"uid":3}}`)
	})

	info, err := env.client.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.UID)
	assert.Equal(t, []time.Duration{2 * time.Second}, env.sleeps)
	assert.Equal(t, int32(2), hits.Load())
}

func TestThrottledTwiceSurfacesAfterOneRetry(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "1")
		writeEnvelope(w, http.StatusTooManyRequests, `{"code":429,"message":"slow down"}`)
	})

	_, err := env.client.UserInfo(context.Background())
	assert.True(t, IsThrottled(err))
	assert.Equal(t, int32(2), hits.Load())
	assert.Len(t, env.sleeps, 1)
}

func TestThrottledWithoutRetryAfterIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusTooManyRequests, `{"code":429,"message":"slow down"}`)
	})

	_, err := env.client.UserInfo(context.Background())
	assert.True(t, IsThrottled(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, env.sleeps)
}

func TestRetryAfterBeyondCapSurfacesWithoutWaiting(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "3600")
		writeEnvelope(w, http.StatusTooManyRequests, `{"code":429,"message":"come back later"}`)
	})

	_, err := env.client.UserInfo(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Throttled())
	assert.Equal(t, "3600", apiErr.RetryAfter)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, env.sleeps)
}

func TestRetryAfterCapIsConfigurable(t *testing.T) {
	var hits atomic.Int32
	var sleeps []time.Duration
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			writeEnvelope(w, http.StatusTooManyRequests, `{"code":429,"message":"slow down"}`)
			return
		}
		writeEnvelope(w, 200, `{"code":0,"data":{"uid":9}}`)
	}))
	t.Cleanup(server.Close)

	sleeper := WithSleeper(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	client := NewClient(Config{BaseURL: server.URL}, &fakeTokens{}, &fakeLimiter{}, quietLogger(),
		sleeper, WithMaxRetryAfter(2*time.Second))
	_, err := client.UserInfo(context.Background())
	assert.True(t, IsThrottled(err))
	assert.Empty(t, sleeps)

	hits.Store(0)
	client = NewClient(Config{BaseURL: server.URL}, &fakeTokens{}, &fakeLimiter{}, quietLogger(),
		sleeper, WithMaxRetryAfter(10*time.Second))
	info, err := client.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.UID)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps)
}

func TestReusedRequestGetsFreshRetries(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		// Every first attempt of a call is rejected.
		if hits.Add(1)%2 == 1 {
			writeEnvelope(w, http.StatusUnauthorized, `{"code":401,"message":"token expired"}`)
			return
		}
		writeEnvelope(w, 200, `{"code":0,"data":null}`)
	})

	req := &Request{Method: http.MethodGet, Path: "/api/v1/user/info"}
	for i := 0; i < 2; i++ {
		_, err := env.client.Do(context.Background(), req)
		require.NoError(t, err, "call %d", i+1)
	}
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, 2, env.tokens.refreshN)
	assert.Equal(t, 0, env.tokens.clearN)
}

func TestBusinessErrorOnHTTP200(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, `{"code":5066,"message":"file not found","data":{"fileId":9},"x-traceID":"abc"}`)
	})

	_, err := env.client.DownloadInfo(context.Background(), 9)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 200, apiErr.StatusCode)
	assert.Equal(t, 5066, apiErr.Code)
	assert.Equal(t, "file not found", apiErr.Message)
	assert.Equal(t, "abc", apiErr.TraceID)
	assert.JSONEq(t, `{"fileId":9}`, string(apiErr.Details))
	assert.Contains(t, err.Error(), "code: 5066")

	code, ok := ErrorCode(err)
	assert.True(t, ok)
	assert.Equal(t, 5066, code)
}

func TestHTTPErrorWithoutEnvelope(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	})

	_, err := env.client.UserInfo(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, http.StatusBadGateway, apiErr.Code)
	assert.Equal(t, "upstream exploded", string(apiErr.Details))
	assert.Equal(t, 0, env.tokens.clearN)
}

func TestTransportErrorIsNormalized(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	env.server.Close()

	_, err := env.client.UserInfo(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeTransport, apiErr.Code)
	assert.NotNil(t, apiErr.Unwrap())
}

func TestCanceledContextStaysDetectable(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, `{"code":0}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.client.UserInfo(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiterErrorStopsDispatch(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	limitErr := errors.New("bucket empty")
	env.limiter.err = limitErr

	_, err := env.client.UserInfo(context.Background())
	assert.ErrorIs(t, err, limitErr)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0, env.tokens.accessN, "admission happens before token injection")
}

func TestAuthErrorStopsDispatch(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	env.tokens.accessErr = errors.New("no credentials")

	_, err := env.client.UserInfo(context.Background())
	assert.EqualError(t, err, "no credentials")
	assert.Equal(t, int32(0), hits.Load())
}

func TestChainRunsStagesInOrder(t *testing.T) {
	var order []string
	mark := func(name string) Stage {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(context.Context, *Request) (*Response, error) {
		order = append(order, "dispatch")
		return &Response{}, nil
	}, mark("retry"), mark("ratelimit"), mark("auth"), mark("unwrap"))

	_, err := h(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"retry", "ratelimit", "auth", "unwrap", "dispatch"}, order)
}

func TestBodyProgressIsReported(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		writeEnvelope(w, 200, `{"code":0}`)
	})

	var last, size int64
	body := strings.Repeat("x", 64*1024)
	_, err := env.client.Do(context.Background(), &Request{
		Method:         http.MethodPost,
		Path:           "/anything",
		Body:           []byte(body),
		ContentType:    "text/plain",
		OnBodyProgress: func(sent, total int64) { last, size = sent, total },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), last)
	assert.Equal(t, int64(len(body)), size)
}

func TestAbsolutePathBypassesBaseURL(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, `{"code":0,"data":{"ok":true}}`)
	}))
	defer other.Close()

	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("base server should not be called, got %s", r.URL.Path)
	})

	resp, err := env.client.Do(context.Background(), &Request{Method: http.MethodGet, Path: other.URL + "/x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Envelope.Data))
}
