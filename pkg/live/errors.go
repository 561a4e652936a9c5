// Package live is a client SDK for a cloud content and identity API. It owns
// the authentication session lifecycle (silent refresh, interactive login
// through a pluggable Provider) and executes authenticated operations
// (metadata calls, JSON writes, chunked uploads and streamed downloads),
// delivering progress and completion through a caller-chosen Dispatcher.
package live

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the canonical error taxonomy shared by auth and operations.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork: the transport could not complete the exchange.
	KindNetwork
	// KindAuthExpired: the server rejected the token and the single
	// silent refresh did not recover.
	KindAuthExpired
	// KindAuthDenied: the user declined consent. Engine.Authenticate reports
	// this as StatusNotConnected rather than as an error.
	KindAuthDenied
	KindAuthInvalidClient
	KindAuthServer
	KindAuthUserNotFound
	// KindAPI: the server returned a structured application error.
	KindAPI
	// KindCanceled is a terminal outcome, not a failure. It only appears on
	// errors returned by the synchronous Client helpers.
	KindCanceled
	// KindNotConnected: no session is available; a login is required.
	KindNotConnected
	// KindLocalIO: the caller's reader or writer failed. Nothing went wrong
	// on the wire.
	KindLocalIO
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindNetwork:           "network",
	KindAuthExpired:       "authExpired",
	KindAuthDenied:        "authDenied",
	KindAuthInvalidClient: "authInvalidClient",
	KindAuthServer:        "authServer",
	KindAuthUserNotFound:  "authUserNotFound",
	KindAPI:               "apiError",
	KindCanceled:          "canceled",
	KindNotConnected:      "notConnected",
	KindLocalIO:           "localIO",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kind sentinels. Use errors.Is(err, live.ErrAuthExpired) to check.
var (
	ErrNetwork           = errors.New("live: network error")
	ErrAuthExpired       = errors.New("live: authorization expired")
	ErrAuthDenied        = errors.New("live: consent not granted")
	ErrAuthInvalidClient = errors.New("live: invalid client configuration")
	ErrAuthServer        = errors.New("live: authentication server error")
	ErrAuthUserNotFound  = errors.New("live: user not found")
	ErrAPI               = errors.New("live: api error")
	ErrCanceled          = errors.New("live: operation canceled")
	ErrNotConnected      = errors.New("live: not connected")
	ErrLocalIO           = errors.New("live: local I/O error")
)

// Usage errors. These are returned directly from API calls and never
// delivered as an operation outcome.
var (
	ErrInvalidState    = errors.New("live: invalid operation state")
	ErrInvalidArgument = errors.New("live: invalid argument")
)

// HTTP status sentinels, attached to API errors alongside the kind sentinel.
var (
	ErrBadRequest          = errors.New("live: bad request")
	ErrUnauthorized        = errors.New("live: unauthorized")
	ErrForbidden           = errors.New("live: forbidden")
	ErrNotFound            = errors.New("live: not found")
	ErrConflict            = errors.New("live: conflict")
	ErrGone                = errors.New("live: resource gone")
	ErrThrottled           = errors.New("live: throttled")
	ErrLocked              = errors.New("live: resource locked")
	ErrRangeNotSatisfiable = errors.New("live: range not satisfiable")
	ErrServerError         = errors.New("live: server error")
)

// Server codes synthesized by the SDK when the response carries none.
const (
	CodeServerError     = "server_error"
	CodeInvalidResponse = "invalid_response"
)

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindAuthExpired:
		return ErrAuthExpired
	case KindAuthDenied:
		return ErrAuthDenied
	case KindAuthInvalidClient:
		return ErrAuthInvalidClient
	case KindAuthServer:
		return ErrAuthServer
	case KindAuthUserNotFound:
		return ErrAuthUserNotFound
	case KindAPI:
		return ErrAPI
	case KindCanceled:
		return ErrCanceled
	case KindNotConnected:
		return ErrNotConnected
	case KindLocalIO:
		return ErrLocalIO
	default:
		return nil
	}
}

// Error is the record produced once per failed operation or auth attempt.
// It is never mutated after construction.
type Error struct {
	Kind        Kind
	Code        string // provider or server code, verbatim
	Description string
	StatusCode  int    // 0 when no HTTP response was involved
	RequestID   string // server request-id header, if any
	Err         error  // underlying cause
}

func (e *Error) Error() string {
	msg := "live: " + e.Kind.String()

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d", e.StatusCode)
		if e.RequestID != "" {
			msg += ", request-id: " + e.RequestID
		}

		msg += ")"
	}

	if e.Code != "" {
		msg += ": " + e.Code
	}

	if e.Description != "" {
		msg += ": " + e.Description
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes the kind sentinel, the HTTP status sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)

	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}

	if s := classifyStatus(e.StatusCode); s != nil {
		errs = append(errs, s)
	}

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}

	return KindUnknown
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes with no dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case 0:
		return nil
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// Provider error codes. Provider implementations report failures as
// *ProviderError carrying one of these (or any other OAuth2 error code).
const (
	CodeAccessDenied           = "access_denied"
	CodeAuthorizationDeclined  = "authorization_declined"
	CodeUserCanceled           = "user_canceled"
	CodeConsentRequired        = "consent_required"
	CodeInteractionRequired    = "interaction_required"
	CodeLoginRequired          = "login_required"
	CodeInvalidGrant           = "invalid_grant"
	CodeInvalidClient          = "invalid_client"
	CodeUnauthorizedClient     = "unauthorized_client"
	CodeInvalidScope           = "invalid_scope"
	CodeInvalidRedirectURI     = "invalid_redirect_uri"
	CodeUnsupportedGrantType   = "unsupported_grant_type"
	CodeUserNotFound           = "user_not_found"
	CodeProviderServerError    = "server_error"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
)

// ProviderError is returned by a Provider when the platform or identity
// service reports a coded failure.
type ProviderError struct {
	Code        string
	Description string
	Err         error
}

func (e *ProviderError) Error() string {
	msg := "provider: " + e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// classifyProviderCode maps a provider error code onto the taxonomy.
// KindAuthDenied means "not connected", not a failure.
func classifyProviderCode(code string) Kind {
	switch code {
	case CodeAccessDenied, CodeAuthorizationDeclined, CodeUserCanceled,
		CodeConsentRequired, CodeInteractionRequired, CodeLoginRequired, CodeInvalidGrant:
		return KindAuthDenied
	case CodeInvalidClient, CodeUnauthorizedClient, CodeInvalidScope,
		CodeInvalidRedirectURI, CodeUnsupportedGrantType:
		return KindAuthInvalidClient
	case CodeUserNotFound:
		return KindAuthUserNotFound
	default:
		return KindAuthServer
	}
}
