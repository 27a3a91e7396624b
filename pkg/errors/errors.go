// Package errors provides the structured error taxonomy shared by every storage backend.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the coarse classification callers branch on.
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "invalid_input"
	KindConfigNotFound      ErrorKind = "config_not_found"
	KindConfigInvalid       ErrorKind = "config_invalid"
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	KindObjectNotFound      ErrorKind = "object_not_found"
	KindTransferIncomplete  ErrorKind = "transfer_incomplete"
	KindBackendCallFailed   ErrorKind = "backend_call_failed"
	KindStorageUnavailable  ErrorKind = "storage_unavailable"
	KindInternal            ErrorKind = "internal"
)

// ErrorCode refines a kind into a specific, actionable condition.
type ErrorCode string

const (
	// Input errors
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidPath       ErrorCode = "INVALID_PATH"
	ErrCodeInvalidVisibility ErrorCode = "INVALID_VISIBILITY"
	ErrCodeInvalidKind       ErrorCode = "INVALID_KIND"
	ErrCodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"

	// Configuration lookup
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"

	// Configuration validation; one code per validator step
	ErrCodeMalformedConfig ErrorCode = "MALFORMED_CONFIG"
	ErrCodeBadCredentials  ErrorCode = "BAD_CREDENTIALS"
	ErrCodeUnreachable     ErrorCode = "UNREACHABLE"
	ErrCodeBucketMissing   ErrorCode = "BUCKET_MISSING"
	ErrCodeWriteDenied     ErrorCode = "WRITE_DENIED"
	ErrCodeReadDenied      ErrorCode = "READ_DENIED"
	ErrCodeDeleteDenied    ErrorCode = "DELETE_DENIED"
	ErrCodeConfigInUse     ErrorCode = "CONFIG_IN_USE"

	// Pooled client resources
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrCodePoolClosed    ErrorCode = "POOL_CLOSED"
	ErrCodeClientFactory ErrorCode = "CLIENT_FACTORY"

	// Objects
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"

	// Transfers
	ErrCodePartCountMismatch ErrorCode = "PART_COUNT_MISMATCH"
	ErrCodeSizeMismatch      ErrorCode = "SIZE_MISMATCH"

	// Upstream failures
	ErrCodeBackendCall  ErrorCode = "BACKEND_CALL"
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrCodeThrottled    ErrorCode = "THROTTLED"
	ErrCodeNetwork      ErrorCode = "NETWORK"
	ErrCodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN"

	// Registry
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

var codeKinds = map[ErrorCode]ErrorKind{
	ErrCodeInvalidInput:       KindInvalidInput,
	ErrCodeInvalidPath:        KindInvalidInput,
	ErrCodeInvalidVisibility:  KindInvalidInput,
	ErrCodeInvalidKind:        KindInvalidInput,
	ErrCodePayloadTooLarge:    KindInvalidInput,
	ErrCodeConfigNotFound:     KindConfigNotFound,
	ErrCodeMalformedConfig:    KindConfigInvalid,
	ErrCodeBadCredentials:     KindConfigInvalid,
	ErrCodeUnreachable:        KindConfigInvalid,
	ErrCodeBucketMissing:      KindConfigInvalid,
	ErrCodeWriteDenied:        KindConfigInvalid,
	ErrCodeReadDenied:         KindConfigInvalid,
	ErrCodeDeleteDenied:       KindConfigInvalid,
	ErrCodeConfigInUse:        KindConfigInvalid,
	ErrCodePoolExhausted:      KindResourceUnavailable,
	ErrCodePoolClosed:         KindResourceUnavailable,
	ErrCodeClientFactory:      KindResourceUnavailable,
	ErrCodeObjectNotFound:     KindObjectNotFound,
	ErrCodePartCountMismatch:  KindTransferIncomplete,
	ErrCodeSizeMismatch:       KindTransferIncomplete,
	ErrCodeBackendCall:        KindBackendCallFailed,
	ErrCodeAccessDenied:       KindBackendCallFailed,
	ErrCodeThrottled:          KindBackendCallFailed,
	ErrCodeNetwork:            KindBackendCallFailed,
	ErrCodeCircuitOpen:        KindBackendCallFailed,
	ErrCodeStorageUnavailable: KindStorageUnavailable,
	ErrCodeInternal:           KindInternal,
}

// StorageError is the single error type returned across the storage boundary.
type StorageError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Backend   string `json:"backend,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString("[")
		b.WriteString(e.Backend)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	} else if e.Operation != "" {
		b.WriteString("[")
		b.WriteString(e.Operation)
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches another StorageError by code.
func (e *StorageError) Is(target error) bool {
	if other, ok := target.(*StorageError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *StorageError) String() string {
	parts := []string{
		fmt.Sprintf("Kind=%s", e.Kind),
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("Backend=%s", e.Backend))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("StorageError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *StorageError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a StorageError with defaults derived from its code.
func NewError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Kind:       KindForCode(code),
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *StorageError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a StorageError carrying cause.
func Wrap(code ErrorCode, cause error, message string) *StorageError {
	return NewError(code, message).WithCause(cause)
}

// KindForCode returns the kind a code belongs to.
func KindForCode(code ErrorCode) ErrorKind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindInternal
}

// IsRetryableByDefault reports whether a code describes a transient condition.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeThrottled, ErrCodeNetwork:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the transport status callers usually map a code to.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch KindForCode(code) {
	case KindInvalidInput:
		if code == ErrCodePayloadTooLarge {
			return 413
		}
		return 400
	case KindConfigNotFound, KindObjectNotFound:
		return 404
	case KindConfigInvalid:
		if code == ErrCodeConfigInUse {
			return 409
		}
		return 422
	case KindResourceUnavailable, KindStorageUnavailable:
		return 503
	case KindTransferIncomplete, KindBackendCallFailed:
		if code == ErrCodeThrottled {
			return 429
		}
		return 502
	}
	return 500
}

// As returns the first StorageError in err's chain.
func As(err error) (*StorageError, bool) {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf classifies any error; errors outside the taxonomy are internal.
func KindOf(err error) ErrorKind {
	if se, ok := As(err); ok {
		return se.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first StorageError in err's chain.
func CodeOf(err error) ErrorCode {
	if se, ok := As(err); ok {
		return se.Code
	}
	return ""
}

// IsKind reports whether err carries a StorageError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a StorageError marked retryable.
func IsRetryable(err error) bool {
	if se, ok := As(err); ok {
		return se.Retryable
	}
	return false
}

// WithContext adds contextual information to an error
func (e *StorageError) WithContext(key, value string) *StorageError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithBackend sets the backend kind the error originated from
func (e *StorageError) WithBackend(backend string) *StorageError {
	e.Backend = backend
	return e
}

// WithOperation sets the operation for an error
func (e *StorageError) WithOperation(operation string) *StorageError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *StorageError) WithCause(cause error) *StorageError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *StorageError) WithRetryable(retryable bool) *StorageError {
	e.Retryable = retryable
	return e
}

// Recommendation returns an operator-facing hint for fixing the error.
func (e *StorageError) Recommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeMalformedConfig: "The configuration is missing required fields for its backend kind. " +
			"Check endpoint, region, credentials and bucket names.",
		ErrCodeBadCredentials: "The backend rejected the access key pair. " +
			"Verify the access key id and secret, and that the key is enabled.",
		ErrCodeUnreachable: "The endpoint could not be reached in time. " +
			"Check the endpoint URL, region, DNS and network path to the service.",
		ErrCodeBucketMissing: "A configured bucket does not exist or is not visible to these credentials. " +
			"Check the bucket name and region.",
		ErrCodeWriteDenied: "The credentials cannot write objects to the bucket. " +
			"Grant put-object permission on the bucket.",
		ErrCodeReadDenied: "The credentials cannot read objects from the bucket. " +
			"Grant get-object permission on the bucket.",
		ErrCodeDeleteDenied: "The credentials cannot delete objects from the bucket. " +
			"Grant delete-object permission on the bucket.",
		ErrCodeConfigNotFound: "No backend configuration exists with this id.",
		ErrCodeConfigInUse:    "The configuration is currently active. Switch to another backend first.",
		ErrCodePoolExhausted: "All backend clients are busy. " +
			"Raise pool.max_total or pool.max_wait.",
		ErrCodeCircuitOpen: "The backend failed repeatedly and calls are being short-circuited. " +
			"Check backend availability; calls resume after the breaker timeout.",
		ErrCodeStorageUnavailable: "No storage backend is active.",
	}
	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	return "Please check the error message for details."
}
