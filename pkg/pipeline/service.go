// Package pipeline wires the export stages together: ExportPage runs the
// fetch, serialize and write steps for one page, EnqueueAll discovers the
// page count and fans out one task per page.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/Sternrassler/woo-export/pkg/fanout"
	"github.com/Sternrassler/woo-export/pkg/ledger"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/Sternrassler/woo-export/pkg/source"
	"github.com/Sternrassler/woo-export/pkg/storage"
)

var (
	pageExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_page_exports_total",
		Help: "Total page exports by entity and outcome (ok or error kind)",
	}, []string{"entity", "outcome"})

	pageExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woo_page_export_duration_seconds",
		Help:    "Duration of a full page export (fetch, serialize, write)",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"entity"})

	enqueueRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_enqueue_runs_total",
		Help: "Total enqueue runs by entity and outcome",
	}, []string{"entity", "outcome"})
)

// Stage is a step of a page export.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageSerializing Stage = "serializing"
	StageWriting     Stage = "writing"
	StageDone        Stage = "done"
)

// PageFetcher retrieves one page of source records.
type PageFetcher interface {
	FetchPage(ctx context.Context, entity export.Entity, page int) (*source.Page, error)
}

// PageWriter persists one serialized page.
type PageWriter interface {
	Write(ctx context.Context, entity export.Entity, page int, payload []byte) (*storage.Object, error)
}

// Scheduler fans out one task per page.
type Scheduler interface {
	ScheduleAll(ctx context.Context, entity export.Entity, totalPages int) (*fanout.Batch, error)
}

// Ledger records exported pages.
type Ledger interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

// PageResult describes a completed page export.
type PageResult struct {
	Entity  export.Entity `json:"entity"`
	Page    int           `json:"page"`
	Bucket  string        `json:"bucket"`
	Key     string        `json:"key"`
	Records int           `json:"records"`
	Bytes   int64         `json:"bytes"`
	MD5     string        `json:"md5"`
}

// EnqueueResult describes one fan-out run.
type EnqueueResult struct {
	Entity     export.Entity `json:"entity"`
	TotalPages int           `json:"total_pages"`
	Scheduled  int           `json:"scheduled"`
	Failed     int           `json:"failed"`
	TaskIDs    []string      `json:"task_ids"`
}

// Service runs page exports and enqueue runs. It holds no per-request state
// and is safe for concurrent use.
type Service struct {
	registry  *export.Registry
	fetcher   PageFetcher
	writer    PageWriter
	scheduler Scheduler
	ledger    Ledger
	logger    zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLedger records every exported page in l.
func WithLedger(l Ledger) Option {
	return func(s *Service) {
		s.ledger = l
	}
}

// NewService creates a pipeline service. Panics if a required collaborator is nil.
func NewService(registry *export.Registry, fetcher PageFetcher, writer PageWriter, scheduler Scheduler, logger zerolog.Logger, opts ...Option) *Service {
	if registry == nil || fetcher == nil || writer == nil || scheduler == nil {
		panic("pipeline: registry, fetcher, writer and scheduler are required")
	}
	s := &Service{
		registry:  registry,
		fetcher:   fetcher,
		writer:    writer,
		scheduler: scheduler,
		logger:    logging.Component(logger, "pipeline"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the entity registry the service resolves names against.
func (s *Service) Registry() *export.Registry {
	return s.registry
}

// ExportPage fetches page of entity, serializes it to JSON Lines and writes
// it to the entity's bucket. Any step failure ends the export; nothing is
// written unless fetch and serialization succeeded. Re-running the same page
// overwrites the same object.
func (s *Service) ExportPage(ctx context.Context, entity export.Entity, page int) (*PageResult, error) {
	start := time.Now()
	logger := logging.ForPage(s.logger, string(entity), page)

	result, stage, err := s.exportPage(ctx, entity, page)
	pageExportDuration.WithLabelValues(string(entity)).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := export.KindOf(err)
		pageExportsTotal.WithLabelValues(string(entity), kind).Inc()
		logger.Error().
			Err(err).
			Str("stage", string(stage)).
			Str("error_kind", kind).
			Msg("Page export failed")
		return nil, fmt.Errorf("export %s page %d: %s: %w", entity, page, stage, err)
	}

	pageExportsTotal.WithLabelValues(string(entity), "ok").Inc()
	logger.Info().
		Str("bucket", result.Bucket).
		Str("key", result.Key).
		Int("records", result.Records).
		Int64("bytes", result.Bytes).
		Dur("duration", time.Since(start)).
		Msg("Page exported")

	if s.ledger != nil {
		entry := ledger.Entry{
			Entity:     entity,
			Page:       page,
			Bucket:     result.Bucket,
			Key:        result.Key,
			MD5:        result.MD5,
			Bytes:      result.Bytes,
			Records:    result.Records,
			ExportedAt: time.Now().UTC(),
		}
		if err := s.ledger.Record(ctx, entry); err != nil {
			// The object is already written; the ledger is bookkeeping only.
			logger.Warn().Err(err).Msg("Ledger record failed")
		}
	}

	return result, nil
}

func (s *Service) exportPage(ctx context.Context, entity export.Entity, page int) (*PageResult, Stage, error) {
	if err := export.ValidatePage(page); err != nil {
		return nil, StageFetching, err
	}
	cfg, err := s.registry.Lookup(entity)
	if err != nil {
		return nil, StageFetching, err
	}

	fetched, err := s.fetcher.FetchPage(ctx, entity, page)
	if err != nil {
		return nil, StageFetching, err
	}

	payload, err := cfg.Schema.Serialize(fetched.Records)
	if err != nil {
		return nil, StageSerializing, err
	}

	obj, err := s.writer.Write(ctx, entity, page, payload)
	if err != nil {
		return nil, StageWriting, err
	}

	return &PageResult{
		Entity:  entity,
		Page:    page,
		Bucket:  obj.Bucket,
		Key:     obj.Key,
		Records: len(fetched.Records),
		Bytes:   obj.Size,
		MD5:     obj.MD5,
	}, StageDone, nil
}

// EnqueueAll fetches page 1 of entity to learn the total page count and
// schedules one export task per page. Records of page 1 are discarded; page 1
// is exported by its own task like every other page.
//
// When some tasks could not be created the result is returned together with
// an error wrapping export.ErrScheduleFailed.
func (s *Service) EnqueueAll(ctx context.Context, entity export.Entity) (*EnqueueResult, error) {
	logger := s.logger.With().Str("entity", string(entity)).Logger()

	if _, err := s.registry.Lookup(entity); err != nil {
		enqueueRunsTotal.WithLabelValues(string(entity), export.KindOf(err)).Inc()
		return nil, err
	}

	first, err := s.fetcher.FetchPage(ctx, entity, 1)
	if err != nil {
		kind := export.KindOf(err)
		enqueueRunsTotal.WithLabelValues(string(entity), kind).Inc()
		logger.Error().Err(err).Str("error_kind", kind).Msg("Page count discovery failed")
		return nil, fmt.Errorf("enqueue %s: discover page count: %w", entity, err)
	}

	batch, err := s.scheduler.ScheduleAll(ctx, entity, first.TotalPages)
	if err != nil {
		enqueueRunsTotal.WithLabelValues(string(entity), export.KindScheduleFailed).Inc()
		return nil, fmt.Errorf("enqueue %s: %w: %v", entity, export.ErrScheduleFailed, err)
	}

	result := &EnqueueResult{
		Entity:     entity,
		TotalPages: first.TotalPages,
		Scheduled:  batch.Scheduled(),
		Failed:     len(batch.Failed),
		TaskIDs:    batch.TaskIDs,
	}
	if result.TaskIDs == nil {
		result.TaskIDs = []string{}
	}

	if err := batch.Err(); err != nil {
		enqueueRunsTotal.WithLabelValues(string(entity), export.KindScheduleFailed).Inc()
		logger.Error().
			Err(err).
			Int("total_pages", result.TotalPages).
			Int("scheduled", result.Scheduled).
			Int("failed", result.Failed).
			Msg("Enqueue incomplete")
		return result, fmt.Errorf("enqueue %s: %w", entity, err)
	}

	enqueueRunsTotal.WithLabelValues(string(entity), "ok").Inc()
	logger.Info().
		Int("total_pages", result.TotalPages).
		Int("scheduled", result.Scheduled).
		Msg("Enqueue complete")
	return result, nil
}
