// Package worker implements the poll/dispatch/retry loop that drains a
// service's action queues and runs registered handlers, grounded on
// orchestration.RedisTaskQueue's LPUSH/BRPOP shape (upgraded here to a
// reliable LMOVE-based pattern) and core.Agent's panic-recovery and
// graceful-shutdown conventions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nooble4/bus/busredis"
	"github.com/nooble4/bus/buslog"
	"github.com/nooble4/bus/envelope"
	"github.com/nooble4/bus/handler"
	"github.com/nooble4/bus/queue"
	"github.com/nooble4/bus/tierpolicy"
)

// DefaultMaxRetries bounds how many times a failed, retryable dispatch
// is requeued before it is routed to the dead-letter queue.
const DefaultMaxRetries = 3

// Options configures a Worker.
type Options struct {
	Conn        *busredis.Conn
	Names       queue.Names
	ServiceName string
	Registry    *handler.Registry
	TaskStore   TaskStore
	Logger      buslog.Logger
	// Policy supplies the per-tenant in-flight cap dispatch enforces
	// before running a handler. Defaults to tierpolicy.Default().
	Policy *tierpolicy.Policy
	// Tracer emits one span per dispatched action. Defaults to the
	// globally configured OTel tracer (a no-op until a Provider from
	// bustrace is installed), so tracing is always safe to call but
	// only exported once a process wires one up.
	Tracer trace.Tracer

	MaxInflight    int
	WorkerSleep    time.Duration
	DefaultTimeout time.Duration
	MaxRetries     int
	DLQEnabled     bool
	ShutdownGrace  time.Duration
}

// Worker polls its service's tier-ordered action queues and dispatches
// each message to the registered handler for its action_type.
type Worker struct {
	conn        *busredis.Conn
	names       queue.Names
	serviceName string
	registry    *handler.Registry
	taskStore   TaskStore
	logger      buslog.Logger
	policy      *tierpolicy.Policy
	tracer      trace.Tracer

	tenantMu       sync.Mutex
	tenantInflight map[string]int

	maxInflight    int
	workerSleep    time.Duration
	defaultTimeout time.Duration
	maxRetries     int
	dlqEnabled     bool
	shutdownGrace  time.Duration

	sem      chan struct{}
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Worker ready to Run.
func New(opts Options) (*Worker, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("worker: conn is required")
	}
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("worker: service name is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("worker: registry is required")
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 10
	}
	if opts.WorkerSleep <= 0 {
		opts.WorkerSleep = 1 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = buslog.NewDefaultLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("bus/worker")
	}
	policy := opts.Policy
	if policy == nil {
		policy = tierpolicy.Default()
	}

	return &Worker{
		conn:           opts.Conn,
		names:          opts.Names,
		serviceName:    opts.ServiceName,
		registry:       opts.Registry,
		taskStore:      opts.TaskStore,
		logger:         logger,
		policy:         policy,
		tracer:         tracer,
		tenantInflight: make(map[string]int),
		maxInflight:    opts.MaxInflight,
		workerSleep:    opts.WorkerSleep,
		defaultTimeout: opts.DefaultTimeout,
		maxRetries:     opts.MaxRetries,
		dlqEnabled:     opts.DLQEnabled,
		shutdownGrace:  opts.ShutdownGrace,
		sem:            make(chan struct{}, opts.MaxInflight),
		stopCh:         make(chan struct{}),
	}, nil
}

// pollQueues returns this worker's service action queues in tier
// priority order (enterprise first), per queue.TierPriorityOrder.
func (w *Worker) pollQueues() []string {
	tiers := queue.TierPriorityOrder()
	qs := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		qs = append(qs, w.names.ActionQueue(w.serviceName, "", "", tier))
	}
	return qs
}

func processingQueueName(sourceQueue string) string {
	return sourceQueue + ":processing"
}

// Run drains queues until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "service", w.serviceName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		got := w.pollOnce(ctx)
		if got {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-time.After(w.workerSleep):
		}
	}
}

// Stop stops popping new messages and waits for in-flight handlers to
// finish, up to ctx's deadline or ShutdownGrace, whichever comes first,
// mirroring the teacher's HTTP server shutdown sequence
// (core.Tool.Shutdown).
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	ctx, cancel := context.WithTimeout(ctx, w.shutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollOnce attempts one non-blocking pop per tier, highest priority
// first, dispatching the first message it finds and returning true so
// Run immediately rechecks priority order rather than starving higher
// tiers behind a full worker_sleep cycle.
func (w *Worker) pollOnce(ctx context.Context) bool {
	for _, sourceQueue := range w.pollQueues() {
		processingQ := processingQueueName(sourceQueue)
		payload, err := w.conn.PopReliable(ctx, sourceQueue, processingQ)
		if errors.Is(err, busredis.ErrEmpty) {
			continue
		}
		if err != nil {
			w.logger.Error("poll error", "queue", sourceQueue, "error", err.Error())
			continue
		}

		if action, uerr := envelope.Unmarshal(payload); uerr == nil && isDeferredUntilFuture(action) {
			if err := w.conn.Requeue(ctx, processingQ, sourceQueue, payload); err != nil {
				w.logger.Error("failed to return deferred retry to tail", "queue", sourceQueue, "error", err.Error())
			}
			continue
		}

		w.sem <- struct{}{}
		w.wg.Add(1)
		go func(q string, p []byte) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.dispatch(ctx, q, p)
		}(sourceQueue, payload)
		return true
	}
	return false
}

// dispatch parses, validates, and runs the handler for one message,
// then routes the outcome to a response/callback delivery, a retry, or
// the dead-letter queue.
func (w *Worker) dispatch(ctx context.Context, sourceQueue string, payload []byte) {
	processingQ := processingQueueName(sourceQueue)

	action, err := envelope.Unmarshal(payload)
	if err != nil {
		w.logger.Error("malformed message", "queue", sourceQueue, "error", err.Error())
		w.toDeadLetterOrDrop(ctx, processingQ, sourceQueue, payload)
		return
	}

	ctx, span := w.tracer.Start(ctx, action.ActionType, trace.WithAttributes(
		attribute.String("bus.action_id", action.ActionID.String()),
		attribute.String("bus.correlation_id", action.CorrelationID.String()),
		attribute.String("bus.trace_id", action.TraceID.String()),
		attribute.String("bus.tier", string(action.Tier)),
		attribute.String("bus.origin_service", action.OriginService),
	))
	defer span.End()

	reg, err := w.registry.Lookup(action.ActionType)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.respondOrFail(ctx, processingQ, sourceQueue, action, payload, envelope.ErrCodeNoHandler, err.Error(), false)
		return
	}

	if reg.RequestSchema != nil {
		if err := reg.RequestSchema(action.Data); err != nil {
			span.SetStatus(codes.Error, err.Error())
			w.respondOrFail(ctx, processingQ, sourceQueue, action, payload, envelope.ErrCodeInvalidPayload, err.Error(), false)
			return
		}
	}

	if action.TenantID != "" && !w.acquireTenantSlot(action.TenantID, action.Tier) {
		span.SetStatus(codes.Ok, "tenant inflight cap reached, requeued")
		if err := w.conn.Requeue(ctx, processingQ, sourceQueue, payload); err != nil {
			w.logger.Error("failed to requeue over tenant cap", "tenant_id", action.TenantID, "error", err.Error())
		}
		return
	}
	if action.TenantID != "" {
		defer w.releaseTenantSlot(action.TenantID)
	}

	handlerCtx, cancel := context.WithTimeout(ctx, w.handlerTimeout(action))
	defer cancel()

	result, err := w.invoke(handlerCtx, reg.Func, action)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.respondOrFail(ctx, processingQ, sourceQueue, action, payload, classifyErrorCode(err), err.Error(), true)
		return
	}

	if result != nil && result.Response != nil {
		if err := w.deliver(ctx, action, result.Response); err != nil {
			span.SetStatus(codes.Error, err.Error())
			w.logger.Error("failed to deliver response", "action_id", action.ActionID.String(), "error", err.Error())
		}
	}
	if err := w.conn.Ack(ctx, processingQ, payload); err != nil {
		w.logger.Error("failed to ack processed message", "queue", processingQ, "error", err.Error())
	}
}

// invoke runs fn with panic recovery, converting a recovered panic
// into an error instead of letting it cross the poll loop boundary —
// grounded on core.RecoveryMiddleware.
func (w *Worker) invoke(ctx context.Context, fn handler.Func, action *envelope.Action) (result *handler.Result, err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
			close(done)
		}()
		result, err = fn(ctx, action, action.Data)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) handlerTimeout(action *envelope.Action) time.Duration {
	if action.QueueMetadata != nil {
		if v, ok := action.QueueMetadata["timeout_ms"]; ok {
			if ms, ok := toFloat(v); ok && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	return w.defaultTimeout
}

func classifyErrorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return envelope.ErrCodeHandlerTimeout
	}
	return envelope.ErrCodeHandlerError
}

// deliver routes a successful handler result to the caller: a raw
// ActionResponse for pseudo-sync reply queues, or a freshly-minted
// callback Action of callback_action_type for everything else.
func (w *Worker) deliver(ctx context.Context, action *envelope.Action, resp *envelope.ActionResponse) error {
	if !action.HasCallback() {
		return nil
	}

	if queue.IsReplyQueue(action.CallbackQueueName) {
		payload, err := resp.Marshal()
		if err != nil {
			return fmt.Errorf("worker: marshal response: %w", err)
		}
		return w.conn.Push(ctx, action.CallbackQueueName, payload)
	}

	callbackAction := envelope.NewAction(envelope.NewActionOptions{
		ActionType:    action.CallbackActionType,
		OriginService: w.serviceName,
		TargetService: action.OriginService,
		TenantID:      action.TenantID,
		UserID:        action.UserID,
		SessionID:     action.SessionID,
		Tier:          action.Tier,
		CorrelationID: action.CorrelationID,
		TraceID:       action.TraceID,
		Data:          resp.Data,
	})
	if err := callbackAction.Validate(); err != nil {
		return fmt.Errorf("worker: built invalid callback action: %w", err)
	}
	payload, err := callbackAction.Marshal()
	if err != nil {
		return fmt.Errorf("worker: marshal callback action: %w", err)
	}
	return w.conn.Push(ctx, action.CallbackQueueName, payload)
}

// respondOrFail handles every non-success dispatch outcome: a reply
// queue gets an immediate error ActionResponse (its caller is already
// blocked on its own timeout, so worker-side retry would only waste
// time); otherwise a retryable failure is retried with backoff up to
// maxRetries, and a non-retryable failure, or one past maxRetries, is
// routed to the dead-letter queue.
func (w *Worker) respondOrFail(ctx context.Context, processingQ, sourceQueue string, action *envelope.Action, payload []byte, code, message string, retryable bool) {
	if action.HasCallback() && queue.IsReplyQueue(action.CallbackQueueName) {
		resp := envelope.NewErrorResponse(action, code, message, retryable)
		if respPayload, err := resp.Marshal(); err == nil {
			_ = w.conn.Push(ctx, action.CallbackQueueName, respPayload)
		}
		if err := w.conn.Ack(ctx, processingQ, payload); err != nil {
			w.logger.Error("failed to ack after reply-queue failure", "error", err.Error())
		}
		return
	}

	if retryable {
		attempt := retryCount(action) + 1
		if attempt <= w.maxRetries {
			retried := withRetryMetadata(action, attempt)
			newPayload, err := retried.Marshal()
			if err == nil {
				w.logger.Warn("retrying action", "action_id", action.ActionID.String(), "attempt", attempt, "code", code)
				// Re-enqueue immediately with a deferred retry_after
				// timestamp rather than blocking this goroutine (and
				// the concurrency slot it holds) until the backoff
				// elapses; pollOnce skips the message, pushing it back
				// to the tail, until its defer-until time has passed.
				if err := w.conn.Ack(ctx, processingQ, payload); err != nil {
					w.logger.Error("failed to ack before retry", "error", err.Error())
				}
				if err := w.conn.Push(ctx, sourceQueue, newPayload); err != nil {
					w.logger.Error("failed to requeue for retry", "error", err.Error())
				}
				return
			}
		}
	}

	w.toDeadLetterOrDrop(ctx, processingQ, sourceQueue, payload)
}

func (w *Worker) toDeadLetterOrDrop(ctx context.Context, processingQ, sourceQueue string, payload []byte) {
	if w.dlqEnabled {
		if err := w.conn.Requeue(ctx, processingQ, queue.DeadLetterQueue(sourceQueue), payload); err != nil {
			w.logger.Error("failed to route to dead letter queue", "queue", sourceQueue, "error", err.Error())
		}
		return
	}
	if err := w.conn.Ack(ctx, processingQ, payload); err != nil {
		w.logger.Error("failed to drop undeliverable message", "error", err.Error())
	}
}

// retryCount reads the attempt counter persisted in queue_metadata so
// it survives worker restarts, resolving the "where does the retry
// counter live" open question in favor of the envelope itself rather
// than in-memory state.
func retryCount(action *envelope.Action) int {
	if action.QueueMetadata == nil {
		return 0
	}
	if v, ok := action.QueueMetadata["retry_count"]; ok {
		if n, ok := toFloat(v); ok {
			return int(n)
		}
	}
	return 0
}

// withRetryMetadata returns a copy of action with its queue_metadata
// retry_count bumped to attempt and a retry_after timestamp recorded.
func withRetryMetadata(action *envelope.Action, attempt int) *envelope.Action {
	clone := *action
	meta := make(map[string]interface{}, len(action.QueueMetadata)+2)
	for k, v := range action.QueueMetadata {
		meta[k] = v
	}
	meta["retry_count"] = attempt
	meta["retry_after"] = time.Now().UTC().Add(backoffDelay(attempt)).Format(time.RFC3339Nano)
	clone.QueueMetadata = meta
	return &clone
}

// isDeferredUntilFuture reports whether action carries a retry_after
// timestamp that has not yet elapsed, meaning pollOnce must skip it
// and return it to the tail of its source queue rather than dispatch
// it.
func isDeferredUntilFuture(action *envelope.Action) bool {
	if action.QueueMetadata == nil {
		return false
	}
	v, ok := action.QueueMetadata["retry_after"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	deferUntil, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return false
	}
	return time.Now().UTC().Before(deferUntil)
}

func backoffDelay(attempt int) time.Duration {
	base := 200 * time.Millisecond
	d := base * time.Duration(int64(1)<<uint(attempt))
	const max = 10 * time.Second
	if d > max {
		d = max
	}
	return d
}

// acquireTenantSlot reports whether tenantID has room under its tier's
// MaxInflightPerTenant cap, claiming a slot if so.
func (w *Worker) acquireTenantSlot(tenantID string, tier envelope.Tier) bool {
	limit := w.policy.MaxInflightPerTenant(tier)
	if limit <= 0 {
		return true
	}
	w.tenantMu.Lock()
	defer w.tenantMu.Unlock()
	if w.tenantInflight[tenantID] >= limit {
		return false
	}
	w.tenantInflight[tenantID]++
	return true
}

// releaseTenantSlot frees the slot claimed by acquireTenantSlot.
func (w *Worker) releaseTenantSlot(tenantID string) {
	w.tenantMu.Lock()
	defer w.tenantMu.Unlock()
	if w.tenantInflight[tenantID] > 0 {
		w.tenantInflight[tenantID]--
	}
	if w.tenantInflight[tenantID] == 0 {
		delete(w.tenantInflight, tenantID)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
