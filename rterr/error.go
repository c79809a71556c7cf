// Package rterr defines the runtime's error taxonomy.
//
// Grounded on plugins/errors.go's PluginError/ErrorCode pair in the teacher
// (go-lynx/lynx): a single concrete error type carries a fixed Kind instead of
// an open string code, plus the pluginId/operation/procedureName context every
// caller needs to log and route the failure.
package rterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is a tag drawn from the fixed taxonomy in spec section 7. Unlike the
// teacher's ErrorCode, new Kinds are not meant to be added by callers.
type Kind string

const (
	KindValidatePluginID       Kind = "validate-plugin-id"
	KindRegisterRemote         Kind = "register-remote"
	KindLoadRemote             Kind = "load-remote"
	KindInstantiatePlugin      Kind = "instantiate-plugin"
	KindValidateConfig         Kind = "validate-config"
	KindValidateSecrets        Kind = "validate-secrets"
	KindValidateHydratedConfig Kind = "validate-hydrated-config"
	KindInitializePlugin       Kind = "initialize-plugin"
	KindValidateInput          Kind = "validate-input"
	KindStreamPluginValidate   Kind = "stream-plugin-validate"
	KindValidateState          Kind = "validate-state"
	KindShutdownPlugin         Kind = "shutdown-plugin"
	KindCacheLookup            Kind = "cache-lookup"
	KindStreamTermination      Kind = "stream-termination"
)

// defaultRetryable mirrors the table in spec section 7: most kinds are
// terminal, register-remote is the one that retries by default, and
// initialize-plugin inherits retryability from its cause when the plugin
// signals one (see WithRetryable).
var defaultRetryable = map[Kind]bool{
	KindValidatePluginID:       false,
	KindRegisterRemote:         true,
	KindLoadRemote:             false,
	KindInstantiatePlugin:      false,
	KindValidateConfig:         false,
	KindValidateSecrets:        false,
	KindValidateHydratedConfig: false,
	KindInitializePlugin:       false,
	KindValidateInput:          false,
	KindStreamPluginValidate:   false,
	KindValidateState:          false,
	KindShutdownPlugin:         false,
	KindCacheLookup:            false,
	KindStreamTermination:      false,
}

// Error is the runtime's single concrete error type. It always carries a
// Kind and, where known, the plugin and operation it originated from.
type Error struct {
	Kind          Kind
	PluginID      string
	Operation     string
	ProcedureName string
	Retryable     bool
	Cause         error
}

func (e *Error) Error() string {
	if e.ProcedureName != "" {
		return fmt.Sprintf("%s: plugin %q procedure %q: %v", e.Kind, e.PluginID, e.ProcedureName, e.Cause)
	}
	if e.PluginID != "" {
		return fmt.Sprintf("%s: plugin %q: %v", e.Kind, e.PluginID, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error for kind, defaulting Retryable from the fixed table.
// Use WithRetryable to override (used by initialize-plugin, which inherits
// retryability from the cause when the plugin signals one).
func New(kind Kind, pluginID, operation string, cause error) *Error {
	return &Error{
		Kind:      kind,
		PluginID:  pluginID,
		Operation: operation,
		Retryable: defaultRetryable[kind],
		Cause:     cause,
	}
}

// WithProcedure attaches a procedure name to an Error, returning the same
// value for chaining at the call site.
func (e *Error) WithProcedure(name string) *Error {
	e.ProcedureName = name
	return e
}

// WithRetryable overrides the default retryability, used when the
// underlying cause signals its own classification (e.g. initialize-plugin
// wrapping a retryable network fault).
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Classify reports whether err (directly or via an *Error in its chain)
// should be treated as retryable. Unknown errors default to false, per the
// "Unknown -> retryable=false" rule in spec section 7.
func Classify(err error) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Retryable
	}
	return false
}

// retryableSignals and notRetryableSignals implement the classification
// rules in spec section 7 for faults bubbling up from procedure execution:
// transport/timeout/rate-limited/service-unavailable signals are retryable;
// unauthorized/forbidden/bad-request/not-found signals are not. These are
// matched as case-insensitive substrings of the cause's message, since the
// faults they classify (HTTP responses, remote-proxied errors) carry no
// structured signal beyond their text.
var retryableSignals = []string{
	"timeout", "timed out", "deadline exceeded",
	"rate limit", "rate-limited", "too many requests",
	"unavailable", "service unavailable",
	"connection refused", "connection reset", "broken pipe",
	"transport",
}

var notRetryableSignals = []string{
	"unauthorized", "forbidden", "bad request", "not found",
}

// RetryableSignaler is implemented by error types (e.g. remote.Fault) that
// already carry their own classification verdict. ClassifyCause prefers
// this over text matching when a cause in the chain implements it.
type RetryableSignaler interface {
	error
	RetryableSignal() bool
}

// ClassifyCause applies spec section 7's classification rules to cause, the
// raw fault a remote call or procedure invocation failed with (not yet
// wrapped in an *Error). A cause that already implements RetryableSignaler
// (e.g. a *remote.Fault, whose own classification was computed from the
// transport error or HTTP status it actually saw) is trusted over
// re-deriving a verdict from its formatted message. Not-retryable text
// signals are checked first since they take precedence over a coincidental
// transport-sounding substring; unknown causes default to false, per
// "Unknown -> retryable=false".
func ClassifyCause(cause error) bool {
	if cause == nil {
		return false
	}

	var signaler RetryableSignaler
	if errors.As(cause, &signaler) {
		return signaler.RetryableSignal()
	}

	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(cause.Error())
	for _, signal := range notRetryableSignals {
		if strings.Contains(msg, signal) {
			return false
		}
	}
	for _, signal := range retryableSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

// ClassifyHTTPStatus applies the same spec section 7 rules to an HTTP
// response status code, for call sites (remote proxy, manifest fetch) that
// have a status code available and don't need to pattern-match a message.
func ClassifyHTTPStatus(status int) bool {
	switch status {
	case 408, 425, 429, 502, 503, 504:
		return true
	case 400, 401, 403, 404, 409, 422:
		return false
	default:
		return status >= 500
	}
}

// As is a convenience wrapper over errors.As for the common case of pulling
// the runtime's own Error out of a wrapped chain.
func As(err error) (*Error, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}
