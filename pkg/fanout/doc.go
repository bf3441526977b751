// Package fanout schedules one deferred export task per page of a paginated
// source.
//
// Every page gets its own task with a not-before time offset from a single
// base instant, so deliveries are spread out evenly and the source is never
// hit by a burst of page exports:
//
//	sched := fanout.NewScheduler(q, fanout.Config{Endpoint: "https://export.example.com"}, logger)
//	batch, err := sched.ScheduleAll(ctx, export.EntityProducts, 5)
//	// batch.TaskIDs holds five ids; /products/1 is due after 12s, /products/5 after 60s
//
// The scheduler:
//   - Precomputes every offset before any task is created
//   - Creates tasks on a bounded worker pool (default 1 worker, i.e. in page order)
//   - Keeps going when a single creation fails and reports it in Batch.Failed
package fanout
