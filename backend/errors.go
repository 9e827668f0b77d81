package backend

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Kind classifies a failed request attempt. It decides retry eligibility:
// network, timeout, and server failures are retried; client and auth failures
// surface immediately.
type Kind string

const (
	KindNetwork Kind = "network" // Transport-level failure, no response received
	KindTimeout Kind = "timeout" // Attempt exceeded its timeout budget
	KindServer  Kind = "server"  // Response with status >= 500
	KindClient  Kind = "client"  // Response with status in [400,500) excluding 401
	KindAuth    Kind = "auth"    // 401, or no valid local session
)

// RequestError is the typed terminal failure of the executor. Callers switch
// on Kind to distinguish "try again later" from "log in again" from "your
// input was rejected"; it is never surfaced as an untyped error.
type RequestError struct {
	Kind       Kind
	Message    string
	HTTPStatus int // 0 when no response was received
}

func (e *RequestError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Kind, e.HTTPStatus)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// Retryable reports whether the executor may re-issue the request.
func (e *RequestError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}

// AsRequestError unwraps err to a *RequestError, or nil if it isn't one.
func AsRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return nil
}

// ClassifyTransport assigns a Kind to a transport-level failure (no response
// received). A deadline overrun is a timeout; everything else, including
// unclassifiable errors, defaults to network.
func ClassifyTransport(err error) Kind {
	if err == nil {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// ClassifyStatus assigns a Kind to a non-2xx response status, first match
// wins: 401 is auth, other 4xx are client, 5xx are server.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 401:
		return KindAuth
	case status >= 400 && status < 500:
		return KindClient
	case status >= 500:
		return KindServer
	}
	return KindNetwork
}
