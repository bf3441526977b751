package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/Sternrassler/woo-export/pkg/queue"
)

var tasksScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "woo_fanout_tasks_total",
	Help: "Total page tasks handed to the task queue by entity and outcome",
}, []string{"entity", "outcome"})

const (
	// DefaultSpacing is the delay between two consecutive page tasks.
	DefaultSpacing = 12 * time.Second

	// DefaultMaxPages is the largest page count one fan-out accepts.
	DefaultMaxPages = 10000
)

// ErrTooManyPages is returned when the page count exceeds Config.MaxPages.
var ErrTooManyPages = errors.New("too many pages")

// errEmptyTaskID marks a creation that reported success without an id.
var errEmptyTaskID = errors.New("task creator returned an empty id")

// TaskCreator is the deferred task service the scheduler hands tasks to.
type TaskCreator interface {
	CreateTask(ctx context.Context, task queue.Task) (string, error)
}

// Config holds scheduler configuration
type Config struct {
	// Endpoint is the base URL of the page export service; tasks target {Endpoint}/{entity}/{page}
	Endpoint string

	// Spacing between consecutive pages (default: 12s)
	Spacing time.Duration

	// Concurrency is the number of parallel CreateTask calls (default: 1)
	Concurrency int

	// Audience for the identity token attached at delivery; empty disables the token
	Audience string

	// MaxPages caps totalPages (default: 10000)
	MaxPages int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		Spacing:     DefaultSpacing,
		Concurrency: 1,
		MaxPages:    DefaultMaxPages,
	}
}

// TaskBody is the JSON payload of a page task.
type TaskBody struct {
	Entity export.Entity `json:"entity"`
	Page   int           `json:"page"`
}

// PageFailure records a page whose task could not be created.
type PageFailure struct {
	Page int
	Err  error
}

// Batch is the outcome of one fan-out.
type Batch struct {
	Entity     export.Entity
	TotalPages int

	// TaskIDs of the created tasks, ordered by page
	TaskIDs []string

	Failed []PageFailure
}

// Scheduled returns the number of created tasks.
func (b *Batch) Scheduled() int {
	return len(b.TaskIDs)
}

// Err returns nil when every page was scheduled, otherwise an ErrScheduleFailed
// error naming the first failed page.
func (b *Batch) Err() error {
	if len(b.Failed) == 0 {
		return nil
	}
	first := b.Failed[0]
	return fmt.Errorf("%w: %d of %d %s pages not scheduled (first: page %d: %v)",
		export.ErrScheduleFailed, len(b.Failed), b.TotalPages, b.Entity, first.Page, first.Err)
}

// Scheduler creates one task per page.
type Scheduler struct {
	tasks  TaskCreator
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler. Panics if tasks is nil.
func NewScheduler(tasks TaskCreator, config Config, logger zerolog.Logger) *Scheduler {
	if tasks == nil {
		panic("task creator cannot be nil")
	}
	if config.Spacing <= 0 {
		config.Spacing = DefaultSpacing
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	return &Scheduler{
		tasks:  tasks,
		config: config,
		logger: logging.Component(logger, "fanout"),
		now:    time.Now,
	}
}

type pageTask struct {
	index int
	task  queue.Task
}

type pageOutcome struct {
	index int
	id    string
	err   error
}

// ScheduleAll creates tasks for pages 1..totalPages. Page i becomes due at
// base + i*Spacing where base is taken once before the first creation.
// The returned error is non-nil only for invalid input; per-page failures
// are reported in Batch.Failed.
func (s *Scheduler) ScheduleAll(ctx context.Context, entity export.Entity, totalPages int) (*Batch, error) {
	if totalPages < 0 {
		return nil, fmt.Errorf("total pages must not be negative (got %d)", totalPages)
	}
	if totalPages > s.config.MaxPages {
		return nil, fmt.Errorf("%w: %d %s pages exceed limit %d", ErrTooManyPages, totalPages, entity, s.config.MaxPages)
	}

	batch := &Batch{Entity: entity, TotalPages: totalPages}
	if totalPages == 0 {
		s.logger.Info().Str("entity", string(entity)).Msg("Nothing to schedule")
		return batch, nil
	}

	start := time.Now()
	base := s.now()

	pending := make([]pageTask, 0, totalPages)
	for page := 1; page <= totalPages; page++ {
		task, err := s.buildTask(entity, page, base)
		if err != nil {
			return nil, err
		}
		pending = append(pending, pageTask{index: page, task: task})
	}

	s.logger.Info().
		Str("entity", string(entity)).
		Int("total_pages", totalPages).
		Dur("spacing", s.config.Spacing).
		Int("concurrency", s.config.Concurrency).
		Msg("Starting fan-out")

	outcomes := s.run(ctx, pending)

	ids := make([]string, totalPages+1)
	for _, o := range outcomes {
		if o.err != nil {
			tasksScheduledTotal.WithLabelValues(string(entity), "failed").Inc()
			s.logger.Warn().
				Err(o.err).
				Str("entity", string(entity)).
				Int("page", o.index).
				Msg("Task creation failed")
			batch.Failed = append(batch.Failed, PageFailure{
				Page: o.index,
				Err:  fmt.Errorf("%w: %v", export.ErrScheduleFailed, o.err),
			})
			continue
		}
		tasksScheduledTotal.WithLabelValues(string(entity), "created").Inc()
		ids[o.index] = o.id
	}

	for page := 1; page <= totalPages; page++ {
		if ids[page] != "" {
			batch.TaskIDs = append(batch.TaskIDs, ids[page])
		}
	}
	sort.Slice(batch.Failed, func(i, j int) bool { return batch.Failed[i].Page < batch.Failed[j].Page })

	s.logger.Info().
		Str("entity", string(entity)).
		Int("scheduled", batch.Scheduled()).
		Int("failed", len(batch.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Fan-out complete")

	return batch, nil
}

// run creates the tasks on a worker pool and collects one outcome per page.
func (s *Scheduler) run(ctx context.Context, pending []pageTask) []pageOutcome {
	work := make(chan pageTask, len(pending))
	results := make(chan pageOutcome, len(pending))

	for _, p := range pending {
		work <- p
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Concurrency && i < len(pending); i++ {
		wg.Add(1)
		go s.worker(ctx, work, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]pageOutcome, 0, len(pending))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (s *Scheduler) worker(ctx context.Context, work <-chan pageTask, results chan<- pageOutcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	created := 0

	for p := range work {
		if err := ctx.Err(); err != nil {
			results <- pageOutcome{index: p.index, err: err}
			continue
		}

		id, err := s.tasks.CreateTask(ctx, p.task)
		if err == nil && id == "" {
			err = errEmptyTaskID
		}
		results <- pageOutcome{index: p.index, id: id, err: err}
		if err == nil {
			created++
		}
	}

	s.logger.Debug().
		Int("worker_id", workerID).
		Int("tasks_created", created).
		Msg("Worker completed")
}

func (s *Scheduler) buildTask(entity export.Entity, page int, base time.Time) (queue.Task, error) {
	body, err := json.Marshal(TaskBody{Entity: entity, Page: page})
	if err != nil {
		return queue.Task{}, fmt.Errorf("marshal task body: %w", err)
	}
	return queue.Task{
		URL:       fmt.Sprintf("%s/%s/%d", s.config.Endpoint, entity, page),
		Method:    http.MethodPost,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      body,
		Audience:  s.config.Audience,
		NotBefore: base.Add(time.Duration(page) * s.config.Spacing),
	}, nil
}
