package lifecycle

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, registry unavailability with a warm cache.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates contended shared state.
	// Examples: another orchestrator holds the ledger lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid manifest, circular dependency, checksum mismatch.
	ErrorClassPermanent ErrorClass = "permanent"
)

// LifecycleError represents a classified error with extension and operation context.
// nolint:revive // LifecycleError is intentionally named to distinguish from standard errors
type LifecycleError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Extension is the extension name that caused the error, if applicable.
	Extension string `json:"extension,omitempty"`

	// Operation is the lifecycle operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	if e.Extension != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (extension=%s, operation=%s): %s",
			e.Class, e.Message, e.Extension, e.Operation, e.unwrapMessage())
	}
	if e.Extension != "" {
		return fmt.Sprintf("[%s] %s (extension=%s): %s",
			e.Class, e.Message, e.Extension, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *LifecycleError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *LifecycleError) Is(target error) bool {
	t, ok := target.(*LifecycleError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithExtension adds extension context to an error.
func (e *LifecycleError) WithExtension(name string) *LifecycleError {
	e.Extension = name
	return e
}

// WithOperation adds operation context to an error.
func (e *LifecycleError) WithOperation(operation string) *LifecycleError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *LifecycleError) WithCode(code string) *LifecycleError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *LifecycleError) WithDetail(key string, value interface{}) *LifecycleError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled ||
			e.Class == ErrorClassConflict
	}
	return false
}

// HasCode returns true if the error carries the given code.
func HasCode(err error, code string) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes, grouped by the subsystem that raises them.
const (
	// Configuration.
	ErrCodeMissingField    = "MISSING_FIELD"
	ErrCodeInvalidSemver   = "INVALID_SEMVER"
	ErrCodeUnknownProvider = "UNKNOWN_PROVIDER"

	// Registry.
	ErrCodeRegistryUnavailable = "REGISTRY_UNAVAILABLE"
	ErrCodeEntryMissing        = "ENTRY_MISSING"
	ErrCodeMatrixParse         = "MATRIX_PARSE_ERROR"
	ErrCodeIncompatible        = "COMPATIBILITY_REJECTED"

	// Resolution.
	ErrCodeNoMatchingVersion  = "NO_MATCHING_VERSION"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeExtensionConflict  = "EXTENSION_CONFLICT"
	ErrCodeVersionNotLocal    = "VERSION_NOT_LOCALLY_AVAILABLE"

	// Backend.
	ErrCodeSubprocessFailed = "SUBPROCESS_FAILED"
	ErrCodeScriptNotFound   = "SCRIPT_NOT_FOUND"
	ErrCodeChecksumMismatch = "CHECKSUM_MISMATCH"
	ErrCodeFetchFailed      = "FETCH_FAILED"

	// Configure.
	ErrCodePathTraversal  = "PATH_TRAVERSAL"
	ErrCodeProtectedPath  = "PROTECTED_PATH"
	ErrCodeTemplateRender = "TEMPLATE_RENDER_ERROR"
	ErrCodeMergeConflict  = "MERGE_CONFLICT"

	// Validate.
	ErrCodeCommandNotFound = "COMMAND_NOT_FOUND"
	ErrCodeNonZeroExit     = "NON_ZERO_EXIT"
	ErrCodePatternMismatch = "PATTERN_MISMATCH"
	ErrCodeMiseToolMissing = "MISE_TOOL_MISSING"

	// Ledger.
	ErrCodeBusy          = "BUSY"
	ErrCodeCorruptLedger = "CORRUPT_LEDGER"
	ErrCodeLedgerWrite   = "LEDGER_WRITE_FAILED"

	// Restore.
	ErrCodeWorkspaceNotWritable = "WORKSPACE_NOT_WRITABLE"
	ErrCodeIncompatibleManifest = "INCOMPATIBLE_MANIFEST"
	ErrCodeRollbackFailed       = "ROLLBACK_FAILED"

	// Removal.
	ErrCodeProtectedExtension = "PROTECTED_EXTENSION"
	ErrCodeRemoveBlocked      = "REMOVE_BLOCKED_BY_DEPENDENTS"

	// Cancellation and timeouts.
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeAttemptTimeout = "ATTEMPT_TIMEOUT"
	ErrCodeExhausted      = "RETRIES_EXHAUSTED"
)
