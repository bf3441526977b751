package source

import (
	"fmt"

	"github.com/Sternrassler/woo-export/pkg/export"
)

// ErrorClass represents a classification of source failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents unusable response bodies or headers.
	ErrorClassDecode ErrorClass = "decode"
)

// SourceError describes a failed page request. It matches export.ErrSourceUnavailable.
type SourceError struct {
	Entity     export.Entity
	Page       int
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s page %d: source %s error (status %d): %s: %v",
			e.Entity, e.Page, e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s page %d: source %s error (status %d): %s",
		e.Entity, e.Page, e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is reports every SourceError as export.ErrSourceUnavailable.
func (e *SourceError) Is(target error) bool {
	return target == export.ErrSourceUnavailable
}

// classifyStatus maps a non-success HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassDecode
	}
}
