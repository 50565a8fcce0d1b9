package apis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrInvalidQueryResponse is returned when a discovery response carries no
// region or a region without upload domains.
var ErrInvalidQueryResponse = errors.New("invalid query response")

// ErrorKind classifies a failed API call.
type ErrorKind int

const (
	// KindTransport covers connection failures and timeouts.
	KindTransport ErrorKind = iota
	// KindStatusCode is a response with an unexpected HTTP status.
	KindStatusCode
	// KindDecode is a response body that could not be decoded.
	KindDecode
	// KindRequest is a request that could not be built, no retry can fix it.
	KindRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatusCode:
		return "status code"
	case KindDecode:
		return "decode"
	case KindRequest:
		return "request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CallError ...
type CallError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	ReqID      string
	Err        error
}

func (e *CallError) Error() string {
	switch e.Kind {
	case KindStatusCode:
		if e.ReqID != "" {
			return fmt.Sprintf("HTTP %d (reqid %s): %s", e.StatusCode, e.ReqID, e.Body)
		}
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Err)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call failed because its deadline passed.
func (e *CallError) Timeout() bool {
	if e.Kind != KindTransport || e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// NewTransportError ...
func NewTransportError(err error) *CallError {
	return &CallError{Kind: KindTransport, Err: err}
}

// NewStatusCodeError ...
func NewStatusCodeError(statusCode int, body string) *CallError {
	return &CallError{Kind: KindStatusCode, StatusCode: statusCode, Body: body}
}

// NewDecodeError ...
func NewDecodeError(err error) *CallError {
	return &CallError{Kind: KindDecode, Err: err}
}

// NewRequestError ...
func NewRequestError(err error) *CallError {
	return &CallError{Kind: KindRequest, Err: err}
}

// IsRetryable reports whether another host may succeed where this call failed.
// Request construction and decode failures are permanent.
func IsRetryable(err error) bool {
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return true
	}
	switch callErr.Kind {
	case KindRequest, KindDecode:
		return false
	default:
		return true
	}
}

// StatusCode returns the HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Kind == KindStatusCode {
		return callErr.StatusCode, true
	}
	return 0, false
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return NewTransportError(err)
	}
	callErr := NewStatusCodeError(resp.StatusCode, string(errorResp))
	callErr.ReqID = resp.Header.Get(reqIDHeader)
	return callErr
}
