package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gleitzeit/gleitzeit/core"
)

// RedisBackendConfig configures the Redis-backed store.
type RedisBackendConfig struct {
	// KeyPrefix is the prefix for all keys
	// Default: "gleitzeit"
	KeyPrefix string `json:"key_prefix"`

	// TTL is how long task and workflow data is retained. Zero keeps
	// entities until explicitly purged.
	TTL time.Duration `json:"ttl"`

	// MetricsRetention bounds the metrics time-series
	// Default: 24 hours
	MetricsRetention time.Duration `json:"metrics_retention"`

	// MetricsMaxSamples caps samples kept per instance
	// Default: 10000
	MetricsMaxSamples int64 `json:"metrics_max_samples"`

	// Logger is an optional logger for store operations
	Logger core.Logger `json:"-"`
}

// DefaultRedisBackendConfig returns default configuration.
func DefaultRedisBackendConfig() RedisBackendConfig {
	return RedisBackendConfig{
		KeyPrefix:         "gleitzeit",
		MetricsRetention:  24 * time.Hour,
		MetricsMaxSamples: 10000,
	}
}

// RedisBackend implements Backend on Redis. Tasks and workflows are stored
// as JSON strings; per-workflow task ids in a set; metrics as capped
// lists; locks as SET NX PX keys.
type RedisBackend struct {
	client *redis.Client
	config RedisBackendConfig
	logger core.Logger
}

// NewRedisBackend creates a Redis-backed store. The client should already
// be connected.
func NewRedisBackend(client *redis.Client, config *RedisBackendConfig) *RedisBackend {
	if config == nil {
		defaultConfig := DefaultRedisBackendConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gleitzeit"
	}
	if config.MetricsRetention <= 0 {
		config.MetricsRetention = 24 * time.Hour
	}
	if config.MetricsMaxSamples <= 0 {
		config.MetricsMaxSamples = 10000
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisBackend{client: client, config: *config, logger: logger}
}

func (r *RedisBackend) taskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", r.config.KeyPrefix, taskID)
}

func (r *RedisBackend) workflowKey(workflowID string) string {
	return fmt.Sprintf("%s:workflow:%s", r.config.KeyPrefix, workflowID)
}

func (r *RedisBackend) workflowTasksKey(workflowID string) string {
	return fmt.Sprintf("%s:wftasks:%s", r.config.KeyPrefix, workflowID)
}

func (r *RedisBackend) metricsKey(instanceID string) string {
	return fmt.Sprintf("%s:metrics:%s", r.config.KeyPrefix, instanceID)
}

func (r *RedisBackend) lockKey(resourceID string) string {
	return fmt.Sprintf("%s:lock:%s", r.config.KeyPrefix, resourceID)
}

func (r *RedisBackend) SaveTask(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return core.Errorf(core.CodeValidation, "task requires an id")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return core.WrapError(core.CodePersistence, "serializing task", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.taskKey(task.ID), data, r.config.TTL)
	if task.WorkflowID != "" {
		pipe.SAdd(ctx, r.workflowTasksKey(task.WorkflowID), task.ID)
		if r.config.TTL > 0 {
			pipe.Expire(ctx, r.workflowTasksKey(task.WorkflowID), r.config.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.CodePersistence, "saving task "+task.ID, err)
	}
	return nil
}

func (r *RedisBackend) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	data, err := r.client.Get(ctx, r.taskKey(taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.WrapError(core.CodePersistence, "task "+taskID, core.ErrTaskNotFound)
		}
		return nil, core.WrapError(core.CodePersistence, "getting task "+taskID, err)
	}
	var task core.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, core.WrapError(core.CodePersistence, "deserializing task "+taskID, err)
	}
	return &task, nil
}

// mutateTask applies fn to the stored task and writes it back. The engine
// serializes writes per task, so read-modify-write is safe here.
func (r *RedisBackend) mutateTask(ctx context.Context, taskID string, fn func(*core.Task)) error {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	fn(task)
	data, err := json.Marshal(task)
	if err != nil {
		return core.WrapError(core.CodePersistence, "serializing task", err)
	}
	if err := r.client.Set(ctx, r.taskKey(taskID), data, r.config.TTL).Err(); err != nil {
		return core.WrapError(core.CodePersistence, "updating task "+taskID, err)
	}
	return nil
}

func (r *RedisBackend) SetTaskStatus(ctx context.Context, taskID string, status core.TaskStatus) error {
	return r.mutateTask(ctx, taskID, func(t *core.Task) {
		stamp(t, status)
	})
}

func (r *RedisBackend) SetTaskResult(ctx context.Context, taskID string, result interface{}, taskErr *core.Error, attempt int) error {
	return r.mutateTask(ctx, taskID, func(t *core.Task) {
		t.Result = result
		t.Error = taskErr
		if attempt > 0 {
			t.Attempt = attempt
		}
	})
}

func (r *RedisBackend) ListWorkflowTasks(ctx context.Context, workflowID string) ([]*core.Task, error) {
	ids, err := r.client.SMembers(ctx, r.workflowTasksKey(workflowID)).Result()
	if err != nil {
		return nil, core.WrapError(core.CodePersistence, "listing tasks of "+workflowID, err)
	}
	var tasks []*core.Task
	for _, id := range ids {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			// Expired entries stay in the index; skip them.
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (r *RedisBackend) CountTasksByStatus(ctx context.Context) (map[core.TaskStatus]int, error) {
	counts := make(map[core.TaskStatus]int)
	pattern := fmt.Sprintf("%s:task:*", r.config.KeyPrefix)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, core.WrapError(core.CodePersistence, "scanning tasks", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var task core.Task
			if err := json.Unmarshal([]byte(data), &task); err != nil {
				continue
			}
			counts[task.Status]++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}

func (r *RedisBackend) SaveWorkflow(ctx context.Context, wf *core.Workflow) error {
	if wf == nil || wf.ID == "" {
		return core.Errorf(core.CodeValidation, "workflow requires an id")
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return core.WrapError(core.CodePersistence, "serializing workflow", err)
	}
	if err := r.client.Set(ctx, r.workflowKey(wf.ID), data, r.config.TTL).Err(); err != nil {
		return core.WrapError(core.CodePersistence, "saving workflow "+wf.ID, err)
	}
	return nil
}

func (r *RedisBackend) GetWorkflow(ctx context.Context, workflowID string) (*core.Workflow, error) {
	data, err := r.client.Get(ctx, r.workflowKey(workflowID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.WrapError(core.CodePersistence, "workflow "+workflowID, core.ErrWorkflowNotFound)
		}
		return nil, core.WrapError(core.CodePersistence, "getting workflow "+workflowID, err)
	}
	var wf core.Workflow
	if err := json.Unmarshal([]byte(data), &wf); err != nil {
		return nil, core.WrapError(core.CodePersistence, "deserializing workflow "+workflowID, err)
	}
	return &wf, nil
}

func (r *RedisBackend) mutateWorkflow(ctx context.Context, workflowID string, fn func(*core.Workflow)) error {
	wf, err := r.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	fn(wf)
	data, err := json.Marshal(wf)
	if err != nil {
		return core.WrapError(core.CodePersistence, "serializing workflow", err)
	}
	if err := r.client.Set(ctx, r.workflowKey(workflowID), data, r.config.TTL).Err(); err != nil {
		return core.WrapError(core.CodePersistence, "updating workflow "+workflowID, err)
	}
	return nil
}

func (r *RedisBackend) SetWorkflowStatus(ctx context.Context, workflowID string, status core.WorkflowStatus) error {
	return r.mutateWorkflow(ctx, workflowID, func(wf *core.Workflow) {
		now := time.Now()
		wf.Status = status
		if status == core.WorkflowStatusRunning && wf.StartedAt == nil {
			wf.StartedAt = &now
		}
		if status.IsTerminal() && wf.CompletedAt == nil {
			wf.CompletedAt = &now
		}
	})
}

func (r *RedisBackend) UpdateWorkflowProgress(ctx context.Context, workflowID string, completed, failed []string, results map[string]interface{}) error {
	return r.mutateWorkflow(ctx, workflowID, func(wf *core.Workflow) {
		wf.CompletedTasks = append([]string(nil), completed...)
		wf.FailedTasks = append([]string(nil), failed...)
		copied := make(map[string]interface{}, len(results))
		for k, v := range results {
			copied[k] = v
		}
		wf.TaskResults = copied
	})
}

func (r *RedisBackend) ListWorkflowsByStatus(ctx context.Context, status core.WorkflowStatus) ([]*core.Workflow, error) {
	var out []*core.Workflow
	pattern := fmt.Sprintf("%s:workflow:*", r.config.KeyPrefix)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, core.WrapError(core.CodePersistence, "scanning workflows", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var wf core.Workflow
			if err := json.Unmarshal([]byte(data), &wf); err != nil {
				continue
			}
			if wf.Status == status {
				out = append(out, &wf)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *RedisBackend) AppendMetrics(ctx context.Context, sample MetricsSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return core.WrapError(core.CodePersistence, "serializing metrics sample", err)
	}
	key := r.metricsKey(sample.InstanceID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.config.MetricsMaxSamples-1)
	pipe.Expire(ctx, key, r.config.MetricsRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.CodePersistence, "appending metrics", err)
	}
	return nil
}

// extendLockScript refreshes the TTL only when the caller still owns the
// lock; releaseLockScript deletes under the same condition.
const extendLockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`

const releaseLockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

func (r *RedisBackend) AcquireLock(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	key := r.lockKey(resourceID)
	ok, err := r.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, core.WrapError(core.CodePersistence, "acquiring lock "+resourceID, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring one's own lock extends it.
	owner, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// Expired between SETNX and GET; try once more.
			return r.client.SetNX(ctx, key, ownerID, ttl).Result()
		}
		return false, core.WrapError(core.CodePersistence, "reading lock "+resourceID, err)
	}
	if owner != ownerID {
		return false, nil
	}
	return r.ExtendLock(ctx, resourceID, ownerID, ttl)
}

func (r *RedisBackend) ExtendLock(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	res, err := r.client.Eval(ctx, extendLockScript, []string{r.lockKey(resourceID)}, ownerID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, core.WrapError(core.CodePersistence, "extending lock "+resourceID, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (r *RedisBackend) ReleaseLock(ctx context.Context, resourceID, ownerID string) error {
	if _, err := r.client.Eval(ctx, releaseLockScript, []string{r.lockKey(resourceID)}, ownerID).Result(); err != nil {
		return core.WrapError(core.CodePersistence, "releasing lock "+resourceID, err)
	}
	return nil
}

func (r *RedisBackend) LockOwner(ctx context.Context, resourceID string) (string, error) {
	owner, err := r.client.Get(ctx, r.lockKey(resourceID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", core.WrapError(core.CodePersistence, "reading lock "+resourceID, err)
	}
	return owner, nil
}

// Close performs no cleanup; the Redis client is managed externally and
// may be shared.
func (r *RedisBackend) Close() error {
	return nil
}
