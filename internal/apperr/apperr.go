// Package apperr provides the standardized error taxonomy for the LYServer
// plugin runtime.
//
// Every failure that crosses a component boundary (manager, bus, WASM host,
// HTTP bridge) is represented as an *AppError carrying one of the fixed
// Kind values below, rather than an ad-hoc Go error string. This lets
// callers branch with errors.As/Is instead of parsing messages, and lets
// the HTTP bridge map a failure onto a response without knowing which
// component produced it.
//
// Error Structure:
//   - Kind: machine-readable identifier (e.g. "InitTimeout")
//   - Message: human-readable description
//   - Err: optional wrapped underlying error
//
// Recovery policy (see SPEC_FULL.md section 7): per-plugin failures never
// take the process down; they tear down that plugin and are logged at
// error level. Bus and registry failures are fatal. Handler timeouts
// surface as an external 500, never a panic.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind is a machine-readable error taxonomy identifier.
type Kind string

const (
	ConfigInvalid       Kind = "ConfigInvalid"
	AlreadyRegistered   Kind = "AlreadyRegistered"
	ManifestMissing     Kind = "ManifestMissing"
	WasmEntryMissing    Kind = "WasmEntryMissing"
	InstantiationFailed Kind = "InstantiationFailed"
	InitTimeout         Kind = "InitTimeout"
	GuestMemoryFault    Kind = "GuestMemoryFault"
	PayloadDecode       Kind = "PayloadDecode"
	BusClosed           Kind = "BusClosed"
	HandlerTimeout      Kind = "HandlerTimeout"
	PluginInvoke        Kind = "PluginInvoke"
	UnknownMethod       Kind = "UnknownMethod"
	Locked              Kind = "Locked"
	NotFound            Kind = "NotFound"
)

// AppError is the concrete error type carrying a taxonomy Kind.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no wrapped cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError around an existing error.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *AppError of the given Kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Kind == kind
}

// ErrorResponse is the JSON body written for a failed HTTP request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// StatusCode maps the error Kind onto an HTTP status code. Every Kind not
// listed below, HandlerTimeout included, falls through to 500, matching the
// bridge's 500 fallback.
func (e *AppError) StatusCode() int {
	switch e.Kind {
	case UnknownMethod, PayloadDecode, ConfigInvalid:
		return http.StatusBadRequest
	case NotFound, ManifestMissing, WasmEntryMissing:
		return http.StatusNotFound
	case AlreadyRegistered, Locked:
		return http.StatusConflict
	case InitTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse renders the error as the JSON body returned to an HTTP caller.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   string(e.Kind),
		Message: e.Message,
	}
}

// ToHTTPResponse is a convenience combining StatusCode and ToResponse for
// any error, wrapping non-AppErrors as an opaque internal failure first.
func ToHTTPResponse(err error) (int, ErrorResponse) {
	ae, ok := err.(*AppError)
	if !ok {
		ae = Wrap(PluginInvoke, "internal error", err)
		return http.StatusInternalServerError, ae.ToResponse()
	}
	return ae.StatusCode(), ae.ToResponse()
}

func AlreadyRegisteredErr(id string) *AppError {
	return New(AlreadyRegistered, fmt.Sprintf("plugin id %q already registered", id))
}

func ManifestMissingErr(dir string) *AppError {
	return New(ManifestMissing, fmt.Sprintf("manifest.toml missing in %q", dir))
}

func WasmEntryMissingErr(path string) *AppError {
	return New(WasmEntryMissing, fmt.Sprintf("wasm_entry_point %q not found", path))
}

func InstantiationFailedErr(id string, err error) *AppError {
	return Wrap(InstantiationFailed, fmt.Sprintf("failed to instantiate plugin %q", id), err)
}

func InitTimeoutErr(id string) *AppError {
	return New(InitTimeout, fmt.Sprintf("plugin %q did not emit plugin_init in time", id))
}

func GuestMemoryFaultErr(id string, ptr, length uint32) *AppError {
	return New(GuestMemoryFault, fmt.Sprintf("plugin %q: out-of-bounds guest access ptr=%d len=%d", id, ptr, length))
}

func PayloadDecodeErr(err error) *AppError {
	return Wrap(PayloadDecode, "failed to decode event payload", err)
}

func BusClosedErr() *AppError {
	return New(BusClosed, "bus is shut down")
}

func HandlerTimeoutErr(phase string) *AppError {
	return New(HandlerTimeout, fmt.Sprintf("timed out waiting for %s", phase))
}

func UnknownMethodErr(method string) *AppError {
	return New(UnknownMethod, fmt.Sprintf("unknown method %q", method))
}

func LockedErr(key string) *AppError {
	return New(Locked, fmt.Sprintf("preference %q is locked", key))
}

func NotFoundErr(what string) *AppError {
	return New(NotFound, fmt.Sprintf("%s not found", what))
}
