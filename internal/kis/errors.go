package kis

import (
	"errors"
	"fmt"
)

// Error kinds. Nothing in this package retries; every failure surfaces
// to the caller with one of these.
const (
	KindCredential    = "credential"     // key/secret missing, caught before any network call
	KindAuth          = "auth"           // provider rejected authentication
	KindTransport     = "transport"      // timeout, connection failure, bad status
	KindOrderRejected = "order_rejected" // payload-level failure despite HTTP 200
)

// Error is the typed error for all KIS API failures.
type Error struct {
	Kind    string
	Status  int    // HTTP status when applicable
	Code    string // provider error/message code (e.g. EGW00002)
	Message string
	Hint    string // user-facing guidance, e.g. IP whitelist steps
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	if e.Code != "" {
		msg += fmt.Sprintf(" (code %s)", e.Code)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.Status)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newCredentialError(mode string) *Error {
	return &Error{
		Kind:    KindCredential,
		Message: fmt.Sprintf("appkey or appsecret is missing for %s mode", mode),
	}
}

func newAuthError(status int, code, desc string) *Error {
	e := &Error{Kind: KindAuth, Status: status, Code: code, Message: desc}
	if e.Message == "" {
		e.Message = "authentication failed"
	}
	if status == 403 {
		if code == "EGW00002" {
			e.Hint = "check IP whitelist registration, appkey/appsecret validity, and API usage approval"
		} else {
			e.Hint = "check appkey/appsecret and IP whitelist"
		}
	}
	return e
}

func newTransportError(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: op, Cause: cause}
}

func newStatusError(op string, status int, body string) *Error {
	return &Error{
		Kind:    KindTransport,
		Status:  status,
		Message: fmt.Sprintf("%s: unexpected status: %s", op, body),
	}
}

func newOrderRejected(code, msg string) *Error {
	if msg == "" {
		msg = "order rejected by provider"
	}
	return &Error{Kind: KindOrderRejected, Code: code, Message: msg}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
