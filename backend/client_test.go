package backend_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/poscore/backend"
	"github.com/retailgrid/poscore/config"
	"github.com/retailgrid/poscore/session"
	"github.com/retailgrid/poscore/session/memstore"
	"github.com/retailgrid/poscore/users"
)

// fastOptions keeps retry delays negligible so tests stay quick.
func fastOptions(maxRetries int) backend.Options {
	return backend.Options{
		RequestTimeout: 2 * time.Second,
		MaxRetries:     maxRetries,
		BaseDelay:      1 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       4 * time.Millisecond,
	}
}

type expiredRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *expiredRecorder) record(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *expiredRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func newSessionManager(t *testing.T) (*session.Manager, *expiredRecorder) {
	t.Helper()

	store := memstore.New(12 * time.Hour)
	t.Cleanup(store.Close)

	rec := &expiredRecorder{}
	mgr, err := session.NewManager(store, config.Static{Timeout: 30 * time.Minute},
		session.WithSignals(session.Signals{Expired: rec.record}),
		session.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return mgr, rec
}

func login(t *testing.T, mgr *session.Manager) *session.Session {
	t.Helper()
	sess, err := mgr.CreateSession(context.Background(), users.Identity{
		ID:          42,
		ExternalID:  "EMP-0042",
		DisplayName: "Dana Flores",
		Role:        users.RoleManager,
	})
	require.NoError(t, err)
	return sess
}

func newClient(t *testing.T, baseURL string, mgr *session.Manager, opts backend.Options) *backend.Client {
	t.Helper()
	c, err := backend.NewClient(baseURL, mgr,
		backend.WithOptions(opts),
		backend.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return c
}

func TestClient_SuccessAttachesAuthHeaders(t *testing.T) {
	mgr, _ := newSessionManager(t)
	sess := login(t, mgr)

	var gotUserID, gotUserName, gotToken, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.Header.Get(session.HeaderUserID)
		gotUserName = r.Header.Get(session.HeaderUserName)
		gotToken = r.Header.Get(session.HeaderSessionToken)
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":9}`))
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(3))
	resp, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/products",
		Method:      http.MethodPost,
		Body:        map[string]string{"name": "Espresso"},
		RequireAuth: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "42", gotUserID)
	require.Equal(t, "Dana Flores", gotUserName)
	require.Equal(t, sess.Token, gotToken)
	require.Contains(t, gotContentType, "application/json")

	var out struct {
		ID int `json:"id"`
	}
	require.NoError(t, resp.Decode(&out))
	require.Equal(t, 9, out.ID)
}

func TestClient_NoValidSessionFailsBeforeNetwork(t *testing.T) {
	mgr, _ := newSessionManager(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(3))
	_, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/products",
		Method:      http.MethodGet,
		RequireAuth: true,
	})

	reqErr := backend.AsRequestError(err)
	require.NotNil(t, reqErr)
	require.Equal(t, backend.KindAuth, reqErr.Kind)
	require.EqualValues(t, 0, attempts.Load(), "no network attempt without a session")
}

func TestClient_ServerErrorsRetryToTheBound(t *testing.T) {
	mgr, _ := newSessionManager(t)
	login(t, mgr)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(2))
	_, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/products",
		Method:      http.MethodGet,
		RequireAuth: true,
	})

	reqErr := backend.AsRequestError(err)
	require.NotNil(t, reqErr)
	require.Equal(t, backend.KindServer, reqErr.Kind)
	require.Equal(t, http.StatusInternalServerError, reqErr.HTTPStatus)
	require.EqualValues(t, 3, attempts.Load(), "maxRetries=2 means 3 total attempts")
}

func TestClient_EventualSuccessAfterServerErrors(t *testing.T) {
	mgr, _ := newSessionManager(t)
	login(t, mgr)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(3))
	resp, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/sync",
		Method:      http.MethodPost,
		RequireAuth: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, attempts.Load())
}

func TestClient_ClientErrorsNeverRetry(t *testing.T) {
	mgr, _ := newSessionManager(t)
	login(t, mgr)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(3))
	_, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/missing",
		Method:      http.MethodGet,
		RequireAuth: true,
	})

	reqErr := backend.AsRequestError(err)
	require.NotNil(t, reqErr)
	require.Equal(t, backend.KindClient, reqErr.Kind)
	require.Equal(t, http.StatusNotFound, reqErr.HTTPStatus)
	require.EqualValues(t, 1, attempts.Load(), "4xx must surface immediately")
}

func TestClient_UnauthorizedClearsUnexpiredSession(t *testing.T) {
	mgr, rec := newSessionManager(t)
	login(t, mgr)
	require.True(t, mgr.Valid())

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(3))
	_, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/products",
		Method:      http.MethodGet,
		RequireAuth: true,
	})

	reqErr := backend.AsRequestError(err)
	require.NotNil(t, reqErr)
	require.Equal(t, backend.KindAuth, reqErr.Kind)
	require.EqualValues(t, 1, attempts.Load(), "401 is never retried")

	require.False(t, mgr.Valid(), "session cleared even though not locally expired")
	require.Equal(t, []string{"backend rejected session token"}, rec.all())
}

func TestClient_TimeoutRetriesThenSurfaces(t *testing.T) {
	mgr, _ := newSessionManager(t)
	login(t, mgr)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	t.Cleanup(srv.Close)

	opts := fastOptions(1)
	opts.RequestTimeout = 30 * time.Millisecond
	client := newClient(t, srv.URL, mgr, opts)
	_, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/slow",
		Method:      http.MethodGet,
		RequireAuth: true,
	})

	reqErr := backend.AsRequestError(err)
	require.NotNil(t, reqErr)
	require.Equal(t, backend.KindTimeout, reqErr.Kind)
	require.EqualValues(t, 2, attempts.Load(), "a timeout cancels the attempt, not the retry loop")
}

func TestClient_TransportFailureIsNetwork(t *testing.T) {
	mgr, _ := newSessionManager(t)
	login(t, mgr)

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := srv.URL
	srv.Close() // nothing listening any more

	client := newClient(t, baseURL, mgr, fastOptions(0))
	_, err := client.Do(context.Background(), backend.Request{
		Endpoint:    "/api/products",
		Method:      http.MethodGet,
		RequireAuth: true,
	})

	reqErr := backend.AsRequestError(err)
	require.NotNil(t, reqErr)
	require.Equal(t, backend.KindNetwork, reqErr.Kind)
	require.Equal(t, 0, reqErr.HTTPStatus)
}

func TestClient_BodyEncoding(t *testing.T) {
	mgr, _ := newSessionManager(t)
	login(t, mgr)

	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, mgr, fastOptions(0))

	t.Run("raw body keeps the caller's content type", func(t *testing.T) {
		payload := []byte("--boundary\r\ncontent\r\n--boundary--")
		_, err := client.Do(context.Background(), backend.Request{
			Endpoint:    "/api/receipts/upload",
			Method:      http.MethodPost,
			RawBody:     payload,
			ContentType: "multipart/form-data; boundary=boundary",
			RequireAuth: true,
		})
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data; boundary=boundary", gotContentType)
		require.Equal(t, payload, gotBody)
	})

	t.Run("raw body without content type gets none", func(t *testing.T) {
		_, err := client.Do(context.Background(), backend.Request{
			Endpoint:    "/api/blob",
			Method:      http.MethodPost,
			RawBody:     []byte{0x1f, 0x8b},
			RequireAuth: true,
		})
		require.NoError(t, err)
		require.Empty(t, gotContentType, "binary payload must not be forced to JSON")
	})

	t.Run("anonymous request omits identity token", func(t *testing.T) {
		var gotToken string
		anon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotToken = r.Header.Get(session.HeaderSessionToken)
		}))
		t.Cleanup(anon.Close)

		anonClient := newClient(t, anon.URL, mgr, fastOptions(0))
		_, err := anonClient.Do(context.Background(), backend.Request{
			Endpoint: "/api/health",
			Method:   http.MethodGet,
		})
		require.NoError(t, err)
		require.Empty(t, gotToken)
	})
}
