// Package errors defines the error taxonomy shared by ingestion and query
// paths, plus the HTTP status mapping used by the query service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOutOfRange: a document id matches no configured shard range.
	ErrOutOfRange = errors.New("document id out of range")
	// ErrConfiguration: the shard layout is invalid (overlapping or empty ranges).
	ErrConfiguration = errors.New("configuration error")
	// ErrSkippedDocument: upstream could not produce text for a document.
	ErrSkippedDocument = errors.New("document skipped")
	// ErrStoreUnavailable: connection or transaction failure on a shard store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrWriteBatchFailed: a frequency batch insert failed.
	ErrWriteBatchFailed = errors.New("write batch failed")
	// ErrQueryTimeout: a shard did not answer within its timeout.
	ErrQueryTimeout = errors.New("query timeout")

	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrWriterClosed     = errors.New("frequency writer closed")
	ErrInternal         = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// StoreUnavailable wraps a driver error as ErrStoreUnavailable, keeping the
// original error in the chain.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// Code returns the taxonomy name of err, used in logs and reports.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutOfRange):
		return "OUT_OF_RANGE"
	case errors.Is(err, ErrConfiguration):
		return "CONFIGURATION_ERROR"
	case errors.Is(err, ErrSkippedDocument):
		return "SKIPPED_DOCUMENT"
	case errors.Is(err, ErrWriteBatchFailed):
		return "WRITE_BATCH_FAILED"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrQueryTimeout):
		return "QUERY_TIMEOUT"
	case errors.Is(err, ErrDocumentNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrQueryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
