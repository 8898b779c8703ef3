// Package jsvalue implements the Value Bridge: safe conversion between host
// Go types and JS values, typed-array views that keep element width across
// the boundary, and the error-kind taxonomy native code uses to signal
// failures distinctly from ordinary script-thrown Errors.
package jsvalue

import "fmt"

// Kind classifies a host-raised error independently of how it is eventually
// surfaced to script (thrown Error, rejected promise, DOMException).
type Kind int

const (
	KindNotFound Kind = iota
	KindPermissionDenied
	KindAlreadyExists
	KindInvalidArgument
	KindQuotaExceeded
	KindNetworkDenied
	KindAborted
	KindTimeout
	KindEngineError
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindNetworkDenied:
		return "NetworkDenied"
	case KindAborted:
		return "Aborted"
	case KindTimeout:
		return "Timeout"
	case KindEngineError:
		return "EngineError"
	default:
		return "Internal"
	}
}

// HostError is the one error type every host-module Go function returns.
// It carries enough information to reconstruct the right script-visible
// shape: a plain Error with a Node-style `code`, a TypeError, or a
// DOMException with a specific `name`. The async bridge's promise
// rejections build that shape; the synchronous RegisterFunc wrappers (see
// internal/jsengine) throw the error without it.
type HostError struct {
	Kind    Kind
	Code    string // POSIX-style code, e.g. "ENOENT", "EACCES", "ENOTFOUND"
	DOMName string // set for DOMException kinds: "AbortError", "QuotaExceededError"
	Message string
}

func (e *HostError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// NewError builds a HostError of the given kind with a formatted message.
func NewError(kind Kind, code, format string, args ...any) *HostError {
	return &HostError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Aborted returns the DOMException-shaped error AbortSignal-triggered
// cancellation must produce.
func Aborted(message string) *HostError {
	if message == "" {
		message = "The operation was aborted."
	}
	return &HostError{Kind: KindAborted, DOMName: "AbortError", Message: message}
}

// QuotaExceeded returns the DOMException-shaped error getRandomValues and
// similar quota-checked operations must produce.
func QuotaExceeded(message string) *HostError {
	return &HostError{Kind: KindQuotaExceeded, DOMName: "QuotaExceededError", Message: message}
}

// JSConstructor returns the script-side constructor name the wrapper should
// use when throwing or rejecting with this error: "DOMException" when DOMName
// is set, "TypeError" for invalid-argument/network-denied kinds, "Error"
// otherwise. Script code distinguishes cases via `.name`/`.code`.
func (e *HostError) JSConstructor() string {
	switch {
	case e.DOMName != "":
		return "DOMException"
	case e.Kind == KindInvalidArgument || e.Kind == KindNetworkDenied:
		return "TypeError"
	default:
		return "Error"
	}
}
