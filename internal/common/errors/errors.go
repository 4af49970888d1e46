package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
)

// ErrorCode is the stable, client-facing identifier of an error.
type ErrorCode string

const (
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeBadRequest ErrorCode = "BAD_REQUEST"

	ErrCodeGroupNotFound         ErrorCode = "GROUP_NOT_FOUND"
	ErrCodeParticipantNotFound   ErrorCode = "PARTICIPANT_NOT_FOUND"
	ErrCodeNotEnoughParticipants ErrorCode = "NOT_ENOUGH_PARTICIPANTS"
	ErrCodeAlreadyDrawn          ErrorCode = "ALREADY_DRAWN"
	ErrCodeNotDrawn              ErrorCode = "NOT_DRAWN"
	ErrCodeNoValidAssignment     ErrorCode = "NO_VALID_ASSIGNMENT"
	ErrCodeDrawInProgress        ErrorCode = "DRAW_IN_PROGRESS"
	ErrCodeInvalidExclusion      ErrorCode = "INVALID_EXCLUSION"

	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"
)

// AppError is a typed application error rendered to API clients.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsInternal reports whether the error is the server's fault.
func (e *AppError) IsInternal() bool {
	return e.Code == ErrCodeInternal || e.Code == ErrCodeStorageFailure
}

// WithDetail attaches a detail entry to the error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// HTTPStatus maps the error code onto a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidExclusion:
		return http.StatusBadRequest
	case ErrCodeGroupNotFound, ErrCodeParticipantNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyDrawn, ErrCodeNotDrawn, ErrCodeDrawInProgress:
		return http.StatusConflict
	case ErrCodeNotEnoughParticipants, ErrCodeNoValidAssignment:
		return http.StatusUnprocessableEntity
	case ErrCodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new application error.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// Wrap wraps an existing error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

func NewValidationError(field, reason string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("Validation failed for field '%s': %s", field, reason)).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

var domainCodes = []struct {
	err  error
	code ErrorCode
	msg  string
}{
	{dx.ErrGroupNotFound, ErrCodeGroupNotFound, "Group not found"},
	{dx.ErrParticipantNotFound, ErrCodeParticipantNotFound, "Participant not found"},
	{dx.ErrNotEnoughParticipants, ErrCodeNotEnoughParticipants, "At least two participants are required"},
	{dx.ErrAlreadyDrawn, ErrCodeAlreadyDrawn, "Group has already been drawn"},
	{dx.ErrNotDrawn, ErrCodeNotDrawn, "Group has not been drawn yet"},
	{dx.ErrNoValidAssignment, ErrCodeNoValidAssignment, "No valid assignment satisfies the exclusion rules"},
	{dx.ErrDrawInProgress, ErrCodeDrawInProgress, "A draw for this group is already running"},
	{dx.ErrInvalidExclusion, ErrCodeInvalidExclusion, "Invalid exclusion rule"},
	{dx.ErrInvalidInput, ErrCodeValidation, "Invalid input"},
	{dx.ErrStorageFailure, ErrCodeStorageFailure, "Storage is unavailable"},
}

// FromError converts any error into an AppError, mapping domain errors onto
// their codes. Unknown errors become internal errors.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, d := range domainCodes {
		if errors.Is(err, d.err) {
			return Wrap(err, d.code, d.msg)
		}
	}
	return Wrap(err, ErrCodeInternal, "Internal server error")
}
