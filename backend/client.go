package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/retailgrid/poscore/session"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	headerAccept    = "Accept"
)

// Options are the retry/timeout knobs. They are inputs rather than constants
// so tests can use deterministic small values.
type Options struct {
	RequestTimeout time.Duration // Per-attempt budget; a timeout cancels the attempt, not the retry loop
	MaxRetries     int           // Retries after the first attempt (3 → 4 total attempts)
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		BaseDelay:      1 * time.Second,
		Multiplier:     2,
		MaxDelay:       10 * time.Second,
	}
}

// Request describes one backend call. Exactly one of Body and RawBody may be
// set: Body is JSON-marshalled and gets the JSON content type; RawBody (binary
// or multipart payloads) is sent as-is under the caller's ContentType and is
// never given a JSON content-type header.
type Request struct {
	Endpoint    string // Path appended to the client's base URL
	Method      string
	Body        any
	RawBody     []byte
	ContentType string // Only honoured with RawBody
	RequireAuth bool
}

// Response is a successful (2xx) result.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return errors.Wrap(json.Unmarshal(r.Body, v), "[Response.Decode] unmarshalling body")
}

// Client is the resilient request executor. Every authenticated call carries
// the session-derived identity headers; retryable failures are re-issued with
// exponential backoff; a 401 force-clears the session regardless of local
// validity. In-flight calls are independent — each owns its backoff schedule
// and takes a fresh session snapshot per attempt.
type Client struct {
	baseURL    string
	sessions   *session.Manager
	httpClient *http.Client
	opts       Options
	logger     zerolog.Logger
}

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithOptions replaces the retry policy.
func WithOptions(opts Options) ClientOption {
	return func(c *Client) { c.opts = opts }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient initializes a Client for the given base URL and session manager.
func NewClient(baseURL string, sessions *session.Manager, options ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[NewClient] baseURL is required")
	}
	if sessions == nil {
		return nil, errors.New("[NewClient] session manager is required")
	}

	c := &Client{
		baseURL:    baseURL,
		sessions:   sessions,
		httpClient: http.DefaultClient,
		opts:       DefaultOptions(),
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}

	// Zero-valued knobs fall back to the defaults; MaxRetries zero is a
	// legitimate "no retries" policy and stays as given.
	def := DefaultOptions()
	if c.opts.RequestTimeout <= 0 {
		c.opts.RequestTimeout = def.RequestTimeout
	}
	if c.opts.BaseDelay <= 0 {
		c.opts.BaseDelay = def.BaseDelay
	}
	if c.opts.Multiplier <= 0 {
		c.opts.Multiplier = def.Multiplier
	}
	if c.opts.MaxDelay <= 0 {
		c.opts.MaxDelay = def.MaxDelay
	}
	return c, nil
}

// Do executes the request under the client's retry policy. On failure the
// returned error is always a *RequestError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	logger := c.logger.With().
		Str("request_id", uuid.NewString()).
		Str("method", req.Method).
		Str("endpoint", req.Endpoint).
		Logger()

	// Local validity gate: no network attempt with a dead session.
	if req.RequireAuth && !c.sessions.Valid() {
		logger.Debug().Msg("request rejected, no valid session")
		return nil, &RequestError{Kind: KindAuth, Message: "no valid session"}
	}

	payload, contentType, err := encodeBody(req)
	if err != nil {
		return nil, &RequestError{Kind: KindClient, Message: err.Error()}
	}

	schedule := NewBackoffSchedule(c.opts.BaseDelay, c.opts.Multiplier, c.opts.MaxDelay)
	attempts := c.opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr *RequestError
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, reqErr := c.attempt(ctx, req, payload, contentType)
		if reqErr == nil {
			logger.Debug().Int("attempt", attempt).Int("status", resp.StatusCode).Msg("request succeeded")
			return resp, nil
		}

		if reqErr.Kind == KindAuth {
			// The backend no longer accepts the credential; local expiry
			// checks are irrelevant. Clear once and surface immediately.
			c.sessions.ForceLogout("backend rejected session token")
			logger.Warn().Int("status", reqErr.HTTPStatus).Msg("request unauthorized, session cleared")
			return nil, reqErr
		}

		lastErr = reqErr
		if !reqErr.Retryable() || attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := schedule.Next()
		logger.Debug().
			Int("attempt", attempt).
			Str("kind", string(reqErr.Kind)).
			Dur("delay", delay).
			Msg("request failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}

	logger.Warn().Str("kind", string(lastErr.Kind)).Int("status", lastErr.HTTPStatus).Msg("request failed")
	return nil, lastErr
}

// attempt issues a single HTTP call under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, req Request, payload []byte, contentType string) (*Response, *RequestError) {
	actx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, req.Method, c.baseURL+req.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &RequestError{Kind: KindClient, Message: err.Error()}
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.RequireAuth {
		// Fresh snapshot per attempt: the monitor may have invalidated the
		// session while we were backing off.
		for name, value := range c.sessions.AuthHeaders() {
			httpReq.Header.Set(name, value)
		}
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		kind := ClassifyTransport(err)
		return nil, &RequestError{Kind: kind, Message: err.Error()}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &RequestError{Kind: ClassifyTransport(err), Message: err.Error()}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return &Response{StatusCode: res.StatusCode, Body: body, Header: res.Header}, nil
	}

	return nil, &RequestError{
		Kind:       ClassifyStatus(res.StatusCode),
		Message:    "backend returned " + res.Status,
		HTTPStatus: res.StatusCode,
	}
}

func encodeBody(req Request) (payload []byte, contentType string, err error) {
	if req.RawBody != nil {
		// Binary/multipart payloads keep the caller's content type; forcing
		// JSON here corrupts multipart boundaries.
		return req.RawBody, req.ContentType, nil
	}
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", errors.Wrap(err, "[encodeBody] marshalling body")
		}
		return b, contentTypeJSON, nil
	}
	return nil, "", nil
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
