package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combo-gateway/internal/account"
	"combo-gateway/internal/models"
	"combo-gateway/internal/translator"
)

type fakeExecutor struct {
	Transport
	refreshes atomic.Int32
	refresh   func(ctx context.Context, creds account.Credentials) (account.Credentials, error)
}

func newFakeExecutor(t *testing.T, handler http.HandlerFunc) *fakeExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	transport, err := NewTransport(srv.Client(), srv.URL, nil)
	require.NoError(t, err)
	return &fakeExecutor{Transport: transport}
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Format(string) translator.Format { return translator.FormatOpenAI }

func (f *fakeExecutor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	httpReq, err := f.NewJSONRequest(ctx, "/chat", []byte(`{}`), req.Stream)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds.Token())
	return httpReq, nil
}

func (f *fakeExecutor) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	f.refreshes.Add(1)
	if f.refresh != nil {
		return f.refresh(ctx, creds)
	}
	return creds, ErrRefreshUnsupported
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []string
}

func (s *recordingSaver) SaveCredentials(_ context.Context, acct *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, acct.Credentials().AccessToken)
	return nil
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"ok":true}`)
}

func TestGuard_ConcurrentCallersShareOneRefresh(t *testing.T) {
	exec := newFakeExecutor(t, okHandler)
	release := make(chan struct{})
	exec.refresh = func(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
		<-release
		creds.AccessToken = "fresh"
		creds.ExpiresAt = time.Now().Add(time.Hour)
		return creds, nil
	}
	saver := &recordingSaver{}
	guard := NewGuard(exec, saver, GuardConfig{RefreshMargin: time.Minute})

	acct := account.New("a1", "fake", account.Credentials{
		AccessToken:  "stale",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	const callers = 16
	var (
		wg     sync.WaitGroup
		tokens = make([]string, callers)
		errs   = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := guard.Prepare(context.Background(), acct)
			tokens[i], errs[i] = creds.AccessToken, err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), exec.refreshes.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", tokens[i])
	}
	assert.Equal(t, []string{"fresh"}, saver.saved)
}

func TestGuard_ForceRefreshSkipsReplacedToken(t *testing.T) {
	exec := newFakeExecutor(t, okHandler)
	exec.refresh = func(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
		creds.AccessToken = "fresh"
		return creds, nil
	}
	guard := NewGuard(exec, nil, GuardConfig{})
	acct := account.New("a1", "fake", account.Credentials{AccessToken: "old", RefreshToken: "rt"})

	require.NoError(t, guard.ForceRefresh(context.Background(), acct, "old"))
	require.NoError(t, guard.ForceRefresh(context.Background(), acct, "old"))
	assert.Equal(t, int32(1), exec.refreshes.Load())
	assert.Equal(t, "fresh", acct.Credentials().AccessToken)
}

func TestGuard_RefreshFailures(t *testing.T) {
	exec := newFakeExecutor(t, okHandler)
	exec.refresh = func(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
		return creds, errors.New("invalid_grant")
	}
	guard := NewGuard(exec, nil, GuardConfig{RefreshMargin: time.Minute})

	expired := account.New("a1", "fake", account.Credentials{AccessToken: "x", RefreshToken: "rt", ExpiresAt: time.Now()})
	_, err := guard.Prepare(context.Background(), expired)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, "a1", refreshErr.AccountID)
	assert.ErrorContains(t, err, "invalid_grant")

	apiKey := account.New("a2", "fake", account.Credentials{APIKey: "sk"})
	err = guard.ForceRefresh(context.Background(), apiKey, "")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(1), exec.refreshes.Load())
}

func TestGuard_ExecuteWholeResponse(t *testing.T) {
	var auth string
	exec := newFakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		okHandler(w, r)
	})
	guard := NewGuard(exec, nil, GuardConfig{Timeout: time.Second})

	call, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, ShapeWhole, call.Shape)
	assert.Equal(t, translator.FormatOpenAI, call.Format)
	assert.JSONEq(t, `{"ok":true}`, string(call.Body))
	assert.Equal(t, "Bearer sk", auth)
}

func TestGuard_ExecuteStatusError(t *testing.T) {
	exec := newFakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
	})
	guard := NewGuard(exec, nil, GuardConfig{})

	_, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, http.StatusTooManyRequests, execErr.Status)
	assert.Equal(t, KindQuotaExceeded, execErr.Kind)
	assert.Equal(t, 30*time.Second, execErr.RetryAfter)
	assert.Equal(t, "Rate limit reached", execErr.Message)
}

func TestGuard_TimeoutIsTransient(t *testing.T) {
	exec := newFakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	guard := NewGuard(exec, nil, GuardConfig{Timeout: 50 * time.Millisecond})

	_, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTransient, execErr.Kind)
	assert.True(t, execErr.Retryable)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGuard_CallerCancellation(t *testing.T) {
	exec := newFakeExecutor(t, okHandler)
	guard := NewGuard(exec, nil, GuardConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := guard.Execute(ctx, account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuard_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	exec := newFakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	guard := NewGuard(exec, nil, GuardConfig{BreakerFailures: 2, BreakerOpen: time.Minute})
	req := &models.CanonicalRequest{}
	creds := account.Credentials{APIKey: "sk"}

	for range 2 {
		_, err := guard.Execute(context.Background(), creds, req)
		require.Error(t, err)
	}
	_, err := guard.Execute(context.Background(), creds, req)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "circuit breaker open", execErr.Message)
	assert.False(t, execErr.Retryable)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGuard_BreakerIgnoresFatalFailures(t *testing.T) {
	var hits atomic.Int32
	exec := newFakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	guard := NewGuard(exec, nil, GuardConfig{BreakerFailures: 1, BreakerOpen: time.Minute})

	for range 3 {
		_, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{})
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, KindFatal, execErr.Kind)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestGuard_StreamOutlivesCallTimeoutWhileEventsFlow(t *testing.T) {
	exec := newFakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\n")
		flusher.Flush()
		time.Sleep(100 * time.Millisecond)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	guard := NewGuard(exec, nil, GuardConfig{Timeout: 30 * time.Millisecond, IdleTimeout: time.Second})

	call, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{Stream: true})
	require.NoError(t, err)
	require.Equal(t, ShapeStream, call.Shape)
	defer call.Stream.Close()

	ev, err := call.Stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(ev.Data))
	ev, err = call.Stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[DONE]", string(ev.Data))
}

// stallingStream answers with stream headers, sends the given frames, then
// stalls until the client goes away.
func stallingStream(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = io.WriteString(w, "data: "+f+"\n\n")
		}
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func TestGuard_StreamStalledBeforeFirstEvent(t *testing.T) {
	exec := newFakeExecutor(t, stallingStream())
	guard := NewGuard(exec, nil, GuardConfig{Timeout: 100 * time.Millisecond})

	start := time.Now()
	call, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{Stream: true})
	require.NoError(t, err)
	require.Equal(t, ShapeStream, call.Shape)
	defer call.Stream.Close()

	_, err = call.Stream.Next(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTransient, execErr.Kind)
	assert.Equal(t, TransportTimeout, execErr.Transport)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGuard_StreamIdleTimeout(t *testing.T) {
	exec := newFakeExecutor(t, stallingStream(`{"n":1}`))
	guard := NewGuard(exec, nil, GuardConfig{Timeout: time.Second, IdleTimeout: 50 * time.Millisecond})

	call, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk"}, &models.CanonicalRequest{Stream: true})
	require.NoError(t, err)
	defer call.Stream.Close()

	ev, err := call.Stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(ev.Data))

	start := time.Now()
	_, err = call.Stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}
