package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
)

// Pipeline error codes
const (
	// Job input errors
	CodeInputNotFound   = "INPUT_NOT_FOUND"
	CodeInvalidJob      = "INVALID_JOB"
	CodeValidationError = "VALIDATION_ERROR"

	// Transcoder errors
	CodeTranscoderUnavailable = "TRANSCODER_UNAVAILABLE"
	CodeTranscodeFailed       = "TRANSCODE_FAILED"

	// Persistence errors
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeFinalizeFailed = "FINALIZE_FAILED"
	CodeStorageError   = "STORAGE_ERROR"
	CodeDatabaseError  = "DATABASE_ERROR"
	CodeQueueError     = "QUEUE_ERROR"

	CodeInternalError = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Category ErrorCategory  `json:"-"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// New creates a new AppError
func New(code string, message string, category ErrorCategory) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

// Client error constructors

func InputNotFound(path string) *AppError {
	return New(CodeInputNotFound, fmt.Sprintf("input file %s not found or unreadable", path), CategoryClient)
}

func InvalidJob(message string) *AppError {
	return New(CodeInvalidJob, message, CategoryClient)
}

func ValidationError(message string) *AppError {
	return New(CodeValidationError, message, CategoryServer)
}

// Transcoder error constructors

func TranscoderUnavailable(message string) *AppError {
	return New(CodeTranscoderUnavailable, message, CategoryServer)
}

func TranscodeFailed(message string) *AppError {
	return New(CodeTranscodeFailed, message, CategoryServer)
}

// Persistence error constructors

func UploadFailed(message string) *AppError {
	return New(CodeUploadFailed, message, CategoryExternal)
}

func FinalizeFailed(message string) *AppError {
	return New(CodeFinalizeFailed, message, CategoryExternal)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryExternal)
}

func DatabaseError(message string) *AppError {
	return New(CodeDatabaseError, message, CategoryServer)
}

func QueueError(message string) *AppError {
	return New(CodeQueueError, message, CategoryExternal)
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer)
}

// As returns the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether any AppError in err's chain carries the given code
func IsCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// CodeOf returns the code of the outermost AppError, or CodeInternalError
func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}

	// External service errors are typically retryable
	if appErr.Category == CategoryExternal {
		return true
	}

	// Server errors may be retryable (except database constraint failures)
	if appErr.Category == CategoryServer {
		return appErr.Code != CodeDatabaseError
	}

	return false
}

// IsClientError returns true if the error is a client error
func IsClientError(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Category == CategoryClient
}
