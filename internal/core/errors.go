package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid settings or input
	ErrCatCapacity   ErrorCategory = "capacity"   // Report queue is full
	ErrCatContention ErrorCategory = "contention" // Report held by another instance
	ErrCatTransport  ErrorCategory = "transport"  // Sender failed
	ErrCatArchive    ErrorCategory = "archive"    // Corrupt or unreadable archive
	ErrCatStorage    ErrorCategory = "storage"    // Backend I/O failure
	ErrCatCapture    ErrorCategory = "capture"    // Report generation failed
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the reporting core.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Predefined error codes
const (
	CodeTooManyReports  = "TOO_MANY_REPORTS"
	CodeReportLocked    = "REPORT_LOCKED"
	CodeSendFailed      = "SEND_FAILED"
	CodeSenderPanicked  = "SENDER_PANICKED"
	CodeArchiveCorrupt  = "ARCHIVE_CORRUPT"
	CodeReportMissing   = "REPORT_MISSING"
	CodeStorageIO       = "STORAGE_IO"
	CodeCaptureFailed   = "CAPTURE_FAILED"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeUnknownBackend  = "UNKNOWN_BACKEND"
	CodeUnknownSender   = "UNKNOWN_SENDER"
	CodeUnknownSeverity = "UNKNOWN_SEVERITY"
)

// Sentinels usable as errors.Is targets.
var (
	ErrTooManyReportsTarget = &DomainError{Category: ErrCatCapacity, Code: CodeTooManyReports}
	ErrLockedTarget         = &DomainError{Category: ErrCatContention, Code: CodeReportLocked}
)

// ErrTooManyReports reports that the queue already holds max reports.
func ErrTooManyReports(max int) *DomainError {
	return &DomainError{
		Category:  ErrCatCapacity,
		Code:      CodeTooManyReports,
		Message:   fmt.Sprintf("report queue is at its limit of %d", max),
		Retryable: true,
		Details: map[string]interface{}{
			"max_queued_reports": max,
		},
	}
}

// ErrLocked reports that a queued report is held open elsewhere.
func ErrLocked(name string) *DomainError {
	return &DomainError{
		Category:  ErrCatContention,
		Code:      CodeReportLocked,
		Message:   fmt.Sprintf("report %s is locked by another instance", name),
		Retryable: true,
		Details: map[string]interface{}{
			"name": name,
		},
	}
}

// ErrTransport creates a transport error.
func ErrTransport(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTransport,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrArchiveCorrupt creates an archive corruption error.
func ErrArchiveCorrupt(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatArchive,
		Code:      CodeArchiveCorrupt,
		Message:   message,
		Retryable: false,
	}
}

// ErrStorage creates a storage I/O error.
func ErrStorage(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatStorage,
		Code:      CodeStorageIO,
		Message:   message,
		Retryable: true,
	}
}

// ErrCapture creates a report generation error.
func ErrCapture(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCapture,
		Code:      CodeCaptureFailed,
		Message:   message,
		Retryable: false,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}
