package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nooble4/bus/buslog"
)

// ErrTaskNotFound mirrors core.ErrTaskNotFound.
var ErrTaskNotFound = errors.New("worker: task not found")

// ErrTaskExists is returned by TaskStore.Create for a duplicate ID.
var ErrTaskExists = errors.New("worker: task already exists")

// ErrInvalidTransition is returned when a status update would move a
// Task backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("worker: invalid task status transition")

// TaskStore persists Task records across the lifetime of a
// long-running handler invocation, grounded on core.TaskStore /
// orchestration.RedisTaskStore.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	Delete(ctx context.Context, taskID string) error
}

// RedisTaskStore implements TaskStore as JSON blobs under
// {keyPrefix}:task:{id}, using SETNX for Create so two workers can
// never silently stomp on the same task ID.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    buslog.Logger
}

// RedisTaskStoreOptions configures a RedisTaskStore.
type RedisTaskStoreOptions struct {
	Client    *redis.Client
	KeyPrefix string
	TTL       time.Duration
	Logger    buslog.Logger
}

// NewRedisTaskStore builds a RedisTaskStore, defaulting KeyPrefix to
// "bus:tasks" and TTL to 24h.
func NewRedisTaskStore(opts RedisTaskStoreOptions) *RedisTaskStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "bus:tasks"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = buslog.NewDefaultLogger()
	}
	return &RedisTaskStore{client: opts.Client, keyPrefix: opts.KeyPrefix, ttl: opts.TTL, logger: opts.Logger}
}

func (s *RedisTaskStore) key(taskID string) string {
	return fmt.Sprintf("%s:task:%s", s.keyPrefix, taskID)
}

// Create persists a brand new task, failing if the ID is already taken.
func (s *RedisTaskStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("worker: task and task.ID are required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("worker: marshal task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(task.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("worker: create task %s: %w", task.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	s.logger.Debug("task created", "task_id", task.ID, "action_type", task.ActionType)
	return nil
}

// Get retrieves a task by ID.
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("worker: get task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("worker: decode task %s: %w", taskID, err)
	}
	return &task, nil
}

// Update persists task, enforcing the forward-only status transition
// against the currently-stored status.
func (s *RedisTaskStore) Update(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("worker: task and task.ID are required")
	}
	existing, err := s.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if !CanTransition(existing.Status, task.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, task.Status)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("worker: marshal task: %w", err)
	}
	if err := s.client.Set(ctx, s.key(task.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("worker: update task %s: %w", task.ID, err)
	}
	s.logger.Debug("task updated", "task_id", task.ID, "status", string(task.Status))
	return nil
}

// Delete removes a task.
func (s *RedisTaskStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("worker: delete task %s: %w", taskID, err)
	}
	return nil
}
