package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrTaskNotFound is returned when a task id is unknown.
var ErrTaskNotFound = errors.New("task not found")

// Prometheus metrics for the task queue.
var (
	tasksCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_tasks_created_total",
		Help: "Total deferred tasks created by queue",
	}, []string{"queue"})

	tasksDeadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woo_tasks_dead_total",
		Help: "Total tasks moved to the dead-letter list by queue",
	}, []string{"queue"})
)

// Redis key suffixes. The full key is "woo:queue:{name}:{suffix}".
const (
	keyTasks      = "tasks"      // hash: id -> task JSON
	keyScheduled  = "scheduled"  // zset: id scored by not-before (unix ms)
	keyProcessing = "processing" // zset: id scored by lease deadline (unix ms)
	keyDead       = "dead"       // list: task JSON
)

// claimScript moves up to ARGV[2] due ids from the scheduled set into the
// processing set with lease deadline ARGV[3]. Running it atomically is what
// keeps two dispatchers from claiming the same task.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// requeueScript returns expired leases (score <= ARGV[1]) to the scheduled set.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// Queue is a named deferred task queue stored in Redis.
type Queue struct {
	redis *redis.Client
	name  string
}

// New creates a queue handle. Handles are cheap and safe for concurrent use.
func New(redisClient *redis.Client, name string) *Queue {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if name == "" {
		name = "default"
	}
	return &Queue{redis: redisClient, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string {
	return "woo:queue:" + q.name + ":" + suffix
}

// CreateTask stores task and schedules it for its NotBefore time.
// A missing ID, method or creation time is filled in.
func (q *Queue) CreateTask(ctx context.Context, task Task) (string, error) {
	if task.URL == "" {
		return "", fmt.Errorf("task url is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Method == "" {
		task.Method = http.MethodPost
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.NotBefore.IsZero() {
		task.NotBefore = task.CreatedAt
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(keyTasks), task.ID, data)
		pipe.ZAdd(ctx, q.key(keyScheduled), redis.Z{
			Score:  float64(task.NotBefore.UnixMilli()),
			Member: task.ID,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store task: %w", err)
	}

	tasksCreatedTotal.WithLabelValues(q.name).Inc()
	return task.ID, nil
}

// Get loads a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	data, err := q.redis.HGet(ctx, q.key(keyTasks), id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// Claim leases up to limit tasks that are due at now. Claimed tasks stay
// invisible to other claimers until Ack, Retry, Bury or lease expiry.
func (q *Queue) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := claimScript.Run(ctx, q.redis,
		[]string{q.key(keyScheduled), q.key(keyProcessing)},
		now.UnixMilli(), limit, now.Add(lease).UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.redis.HMGet(ctx, q.key(keyTasks), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed tasks: %w", err)
	}

	tasks := make([]Task, 0, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Orphaned id without a body; drop it.
			q.redis.ZRem(ctx, q.key(keyProcessing), ids[i])
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ack removes a delivered task.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key(keyProcessing), id)
		pipe.HDel(ctx, q.key(keyTasks), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", id, err)
	}
	return nil
}

// Retry stores the updated task and schedules it again at at.
func (q *Queue) Retry(ctx context.Context, task Task, at time.Time) error {
	task.NotBefore = at
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(keyTasks), task.ID, data)
		pipe.ZRem(ctx, q.key(keyProcessing), task.ID)
		pipe.ZAdd(ctx, q.key(keyScheduled), redis.Z{Score: float64(at.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry task %s: %w", task.ID, err)
	}
	return nil
}

// Bury moves a task to the dead-letter list.
func (q *Queue) Bury(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.key(keyDead), data)
		pipe.ZRem(ctx, q.key(keyProcessing), task.ID)
		pipe.HDel(ctx, q.key(keyTasks), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury task %s: %w", task.ID, err)
	}
	tasksDeadTotal.WithLabelValues(q.name).Inc()
	return nil
}

// RequeueExpired returns tasks whose lease ended before now to the scheduled set.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.redis,
		[]string{q.key(keyProcessing), q.key(keyScheduled)},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return n, nil
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Stats returns the current queue sizes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.redis.Pipeline()
	scheduled := pipe.ZCard(ctx, q.key(keyScheduled))
	processing := pipe.ZCard(ctx, q.key(keyProcessing))
	dead := pipe.LLen(ctx, q.key(keyDead))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Scheduled:  scheduled.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters returns the buried tasks.
func (q *Queue) DeadLetters(ctx context.Context) ([]Task, error) {
	values, err := q.redis.LRange(ctx, q.key(keyDead), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	tasks := make([]Task, 0, len(values))
	for _, v := range values {
		var task Task
		if err := json.Unmarshal([]byte(v), &task); err != nil {
			return nil, fmt.Errorf("unmarshal dead task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
