package apperror

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind identifies a class of runtime fault. The String form is the type name
// the browser client switches on, so it must not change.
type Kind int

const (
	KindInternal Kind = iota
	KindEngineInstall
	KindLicensing
	KindOnlineLicensing
	KindEntitlement
	KindNetworkLicensing
	KindEngine
)

// String returns the wire name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "InternalError"
	case KindEngineInstall:
		return "MatlabInstallError"
	case KindLicensing:
		return "LicensingError"
	case KindOnlineLicensing:
		return "OnlineLicensingError"
	case KindEntitlement:
		return "EntitlementError"
	case KindNetworkLicensing:
		return "NetworkLicensingError"
	case KindEngine:
		return "MatlabError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) parent() (Kind, bool) {
	switch k {
	case KindOnlineLicensing, KindNetworkLicensing:
		return KindLicensing, true
	case KindEntitlement:
		return KindOnlineLicensing, true
	default:
		return 0, false
	}
}

// Is reports whether k is target or one of its descendants.
func (k Kind) Is(target Kind) bool {
	for cur, ok := k, true; ok; cur, ok = cur.parent() {
		if cur == target {
			return true
		}
	}
	return false
}

// IsLicensing reports whether k belongs to the licensing family.
func (k Kind) IsLicensing() bool {
	return k.Is(KindLicensing)
}

// Error is a classified runtime fault surfaced through the status endpoint.
type Error struct {
	Kind       Kind
	Message    string
	Logs       []string
	Stacktrace string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind caused by err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// WithLogs returns a copy of e carrying the given log lines.
func (e *Error) WithLogs(lines []string) *Error {
	cp := *e
	cp.Logs = append([]string(nil), lines...)
	return &cp
}

// IsKind reports whether err is (or wraps) an *Error whose kind is k or a descendant of k.
func IsKind(err error, k Kind) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Kind.Is(k)
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// Log writes err to logger. Captured log lines are emitted on a second record.
func Log(logger *slog.Logger, err *Error) {
	if err == nil {
		return
	}
	logger.Error(err.Message, "type", err.Kind.String(), "cause", err.Cause)
	if len(err.Logs) > 0 {
		logger.Error("captured engine output", "type", err.Kind.String(), "lines", len(err.Logs), "logs", err.Logs)
	}
}
