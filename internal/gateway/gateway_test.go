package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tabletap/tabletap-client/internal/session"
	"github.com/tabletap/tabletap-client/pkg/config"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/logger"
)

type fakeSession struct {
	mu      sync.Mutex
	access  string
	refresh string
	cleared bool
}

func (f *fakeSession) Get() session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Session{AccessToken: f.access, RefreshToken: f.refresh}
}

func (f *fakeSession) SetTokens(ctx context.Context, access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = access
	if refresh != "" {
		f.refresh = refresh
	}
}

func (f *fakeSession) Clear(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.refresh = "", ""
	f.cleared = true
}

func (f *fakeSession) wasCleared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func newTestGateway(t *testing.T, baseURL string, store sessionStore) *Gateway {
	t.Helper()
	gw, err := New(config.APIConfig{BaseURL: baseURL, UserAgent: "test"}, store, logger.New(logger.Options{ServiceName: "test"}), nil)
	if err != nil {
		t.Fatalf("New gateway: %v", err)
	}
	return gw
}

func TestDoPassesThroughNon401(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, &fakeSession{access: "tok", refresh: "ref"})

	var out struct {
		Value string `json:"value"`
	}
	if err := gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/ping"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Value != "ok" {
		t.Fatalf("unexpected body %+v", out)
	}
}

func TestDoMapsServerErrorsWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"cart already processed"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, &fakeSession{access: "tok", refresh: "ref"})

	err := gw.Do(context.Background(), Request{Method: http.MethodPost, Path: "/v1/thing"}, nil)
	if !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict code, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("non-401 errors must not be retried, saw %d calls", calls.Load())
	}
}

func TestConcurrent401sRefreshExactlyOnce(t *testing.T) {
	t.Parallel()

	const workers = 12
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "old-refresh" {
			t.Errorf("unexpected refresh payload: %+v err=%v", req, err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"accessToken":  "new-access",
			"refreshToken": "new-refresh",
		})
	})
	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer new-access" {
			_, _ = w.Write([]byte(`{"value":"fresh"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := &fakeSession{access: "old-access", refresh: "old-refresh"}
	gw := newTestGateway(t, server.URL, store)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var out struct {
				Value string `json:"value"`
			}
			errs[idx] = gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/data"}, &out)
		}(i)
	}
	wg.Wait()

	for idx, err := range errs {
		if err != nil {
			t.Fatalf("request %d failed: %v", idx, err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if store.Get().AccessToken != "new-access" || store.Get().RefreshToken != "new-refresh" {
		t.Fatalf("expected rotated pair in store, got %+v", store.Get())
	}
}

func TestRefreshFailureClearsSessionForAllWaiters(t *testing.T) {
	t.Parallel()

	const workers = 6
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := &fakeSession{access: "stale", refresh: "rejected"}
	gw := newTestGateway(t, server.URL, store)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/data"}, nil)
		}(i)
	}
	wg.Wait()

	for idx, err := range errs {
		if !pkgerrors.HasCode(err, pkgerrors.CodeSessionExpired) {
			t.Fatalf("request %d expected session expired, got %v", idx, err)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if !store.wasCleared() {
		t.Fatal("expected store to be cleared")
	}
}

func TestSecond401AfterReplayIsSessionFatalWithoutSecondRefresh(t *testing.T) {
	t.Parallel()

	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "still-bad"})
	})
	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := &fakeSession{access: "bad", refresh: "ref"}
	gw := newTestGateway(t, server.URL, store)

	err := gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/data"}, nil)
	if !pkgerrors.HasCode(err, pkgerrors.CodeSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected one refresh call, got %d", got)
	}
	if !store.wasCleared() {
		t.Fatal("expected store cleared after misbehaving backend")
	}
}

func TestStale401AfterCompletedRefreshSkipsSecondRefresh(t *testing.T) {
	t.Parallel()

	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "new-access"})
	})
	mux.HandleFunc("/v1/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer new-access" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := &fakeSession{access: "old", refresh: "ref"}
	gw := newTestGateway(t, server.URL, store)

	// First call refreshes and succeeds.
	if err := gw.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/data"}, nil); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// Simulate a request that had been sent with the stale token: the
	// guard inside refreshShared must not issue another refresh.
	if err := gw.refreshShared(context.Background(), "old"); err != nil {
		t.Fatalf("stale refresh path errored: %v", err)
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected one refresh call total, got %d", got)
	}
}
