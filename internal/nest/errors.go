package nest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies a failure for the update loop's retry decision.
type ErrorKind int

// Error kinds. The set is closed: KindOf maps every error to one of them.
const (
	// KindUnknown covers unexpected responses and parse failures.
	KindUnknown ErrorKind = iota
	// KindBadCredentials means the refresh token or issue token was rejected.
	KindBadCredentials
	// KindNotAuthenticated means the vendor session expired (HTTP 401).
	KindNotAuthenticated
	// KindServiceUnavailable covers 502, 504 and empty long-poll responses.
	KindServiceUnavailable
	// KindTransport covers connection resets, timeouts and dial failures.
	KindTransport
)

// String returns the kind name used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindBadCredentials:
		return "bad_credentials"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Reasons within KindServiceUnavailable.
const (
	ReasonBadGateway     = "bad_gateway"
	ReasonGatewayTimeout = "gateway_timeout"
	ReasonEmptyResponse  = "empty_response"
)

// Vendor error sentinels returned in the "error" field of token responses.
const (
	errorInvalidGrant  = "invalid_grant"
	errorUserLoggedOut = "USER_LOGGED_OUT"
)

// ErrNoCredentials is returned when neither a refresh token nor an
// issue token with cookies is configured.
var ErrNoCredentials = errors.New("no credentials configured: set a refresh token or an issue token with cookies")

// APIError represents an error from a vendor call.
type APIError struct {
	Kind ErrorKind
	// Op names the call, e.g. "subscribe".
	Op         string
	StatusCode int
	// Code is the vendor error code or a ServiceUnavailable reason.
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Op + ": "
	if e.StatusCode != 0 {
		msg += fmt.Sprintf("status %d: ", e.StatusCode)
	}
	if e.Code != "" {
		msg += e.Code
		if e.Message != "" {
			msg += " - "
		}
	}
	msg += e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Parent-context cancellation is reported as
// KindTransport; callers check their context first.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, ErrNoCredentials) {
		return KindBadCredentials
	}
	if isTransportError(err) {
		return KindTransport
	}
	return KindUnknown
}

// IsBadCredentials reports whether err requires the user to re-enter credentials.
func IsBadCredentials(err error) bool {
	return err != nil && KindOf(err) == KindBadCredentials
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// transportError wraps a failed round trip.
func transportError(op string, err error) *APIError {
	return &APIError{Kind: KindTransport, Op: op, Message: "request failed", Err: err}
}
