package export

import (
	"errors"
)

// Error kinds shared by every stage of the export pipeline.
// Stages wrap these with fmt.Errorf("...: %w", ...) so callers can match with errors.Is.
var (
	// ErrSourceUnavailable is returned when the data source is unreachable,
	// answers with a non-success status or returns an unusable body.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSchemaMismatch is returned when a record does not have the shape the
	// entity schema expects.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrUnsupportedEntity is returned for entity names outside the registry.
	ErrUnsupportedEntity = errors.New("unsupported entity")

	// ErrWriteFailed is returned when the storage write or its integrity check fails.
	ErrWriteFailed = errors.New("write failed")

	// ErrScheduleFailed is returned when a deferred task could not be created.
	ErrScheduleFailed = errors.New("schedule failed")

	// ErrInvalidPage is returned for page indices below 1.
	ErrInvalidPage = errors.New("invalid page index")
)

// Kind names used in logs, metric labels and HTTP error bodies.
const (
	KindSourceUnavailable = "source_unavailable"
	KindSchemaMismatch    = "schema_mismatch"
	KindUnsupportedEntity = "unsupported_entity"
	KindWriteFailed       = "write_failed"
	KindScheduleFailed    = "schedule_failed"
	KindInvalidPage       = "invalid_page"
	KindUnknown           = "unknown"
)

// KindOf classifies err by the pipeline error kind it wraps.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrSchemaMismatch):
		return KindSchemaMismatch
	case errors.Is(err, ErrUnsupportedEntity):
		return KindUnsupportedEntity
	case errors.Is(err, ErrWriteFailed):
		return KindWriteFailed
	case errors.Is(err, ErrScheduleFailed):
		return KindScheduleFailed
	case errors.Is(err, ErrInvalidPage):
		return KindInvalidPage
	default:
		return KindUnknown
	}
}
