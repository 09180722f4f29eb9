package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/nooble4/bus/busredis"
	"github.com/nooble4/bus/envelope"
	"github.com/nooble4/bus/handler"
	"github.com/nooble4/bus/queue"
	"github.com/nooble4/bus/tierpolicy"
)

func newTestWorker(t *testing.T, opts Options) (*Worker, *busredis.Conn, queue.Names) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	conn := busredis.NewConnFromClient(rdb, nil)

	names := queue.New("nooble4", "test")
	opts.Conn = conn
	opts.Names = names
	if opts.ServiceName == "" {
		opts.ServiceName = "ingestion_service"
	}
	if opts.Registry == nil {
		opts.Registry = handler.NewRegistry()
	}
	if opts.WorkerSleep == 0 {
		opts.WorkerSleep = 10 * time.Millisecond
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 500 * time.Millisecond
	}

	w, err := New(opts)
	require.NoError(t, err)
	return w, conn, names
}

type echoPayload struct {
	Message string `json:"message"`
}

func runAndStop(t *testing.T, w *Worker, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	time.Sleep(wait)
	cancel()
	<-errCh
}

func TestWorkerDispatchesSuccessfulPseudoSyncHandler(t *testing.T) {
	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.Registration{
		ActionType: "echo.ping",
		Func: func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*handler.Result, error) {
			var p echoPayload
			_ = json.Unmarshal(data, &p)
			resp, err := handler.CreateSuccessResponse(action, echoPayload{Message: "pong:" + p.Message})
			if err != nil {
				return nil, err
			}
			return &handler.Result{Response: resp}, nil
		},
	}))

	w, conn, names := newTestWorker(t, Options{Registry: registry})
	ctx := context.Background()

	action := envelope.NewAction(envelope.NewActionOptions{
		ActionType:         "echo.ping",
		OriginService:      "caller",
		CallbackQueueName:  names.ReplyQueue("caller", "ping", "corr-1"),
		CallbackActionType: "echo.pong",
	})
	data, _ := json.Marshal(echoPayload{Message: "hi"})
	action.Data = data
	require.NoError(t, action.Validate())

	payload, err := action.Marshal()
	require.NoError(t, err)
	targetQueue := names.ActionQueue("ingestion_service", "", "", action.Tier)
	require.NoError(t, conn.Push(ctx, targetQueue, payload))

	runAndStop(t, w, 120*time.Millisecond)

	raw, err := conn.BlockingPop(ctx, action.CallbackQueueName, time.Second)
	require.NoError(t, err)
	resp, err := envelope.UnmarshalResponse(raw)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestWorkerRoutesUnknownActionTypeToDeadLetter(t *testing.T) {
	w, conn, names := newTestWorker(t, Options{DLQEnabled: true})
	ctx := context.Background()

	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.unknown_verb", OriginService: "caller"})
	payload, err := action.Marshal()
	require.NoError(t, err)

	targetQueue := names.ActionQueue("ingestion_service", "", "", action.Tier)
	require.NoError(t, conn.Push(ctx, targetQueue, payload))

	runAndStop(t, w, 120*time.Millisecond)

	n, err := conn.Len(ctx, queue.DeadLetterQueue(targetQueue))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestWorkerRetriesRetryableFailureBeforeDeadLetter(t *testing.T) {
	attempts := 0
	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.Registration{
		ActionType: "ingestion.document.process",
		Func: func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*handler.Result, error) {
			attempts++
			return nil, errors.New("transient failure")
		},
	}))

	w, conn, names := newTestWorker(t, Options{Registry: registry, DLQEnabled: true, MaxRetries: 1})
	ctx := context.Background()

	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "caller"})
	payload, err := action.Marshal()
	require.NoError(t, err)
	targetQueue := names.ActionQueue("ingestion_service", "", "", action.Tier)
	require.NoError(t, conn.Push(ctx, targetQueue, payload))

	runAndStop(t, w, 1500*time.Millisecond)

	n, err := conn.Len(ctx, queue.DeadLetterQueue(targetQueue))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestWorkerDrainsHigherTierFirst(t *testing.T) {
	var order []string
	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.Registration{
		ActionType: "ingestion.document.process",
		Func: func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*handler.Result, error) {
			order = append(order, string(action.Tier))
			return &handler.Result{}, nil
		},
	}))

	w, conn, names := newTestWorker(t, Options{Registry: registry, MaxInflight: 1})
	ctx := context.Background()

	freeAction := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "caller", Tier: envelope.TierFree})
	entAction := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "caller", Tier: envelope.TierEnterprise})

	freePayload, _ := freeAction.Marshal()
	entPayload, _ := entAction.Marshal()

	require.NoError(t, conn.Push(ctx, names.ActionQueue("ingestion_service", "", "", envelope.TierFree), freePayload))
	require.NoError(t, conn.Push(ctx, names.ActionQueue("ingestion_service", "", "", envelope.TierEnterprise), entPayload))

	runAndStop(t, w, 150*time.Millisecond)

	require.GreaterOrEqual(t, len(order), 2)
	require.Equal(t, string(envelope.TierEnterprise), order[0])
}

func TestWorkerEnforcesPerTenantInflightCap(t *testing.T) {
	var mu sync.Mutex
	concurrent, maxObserved := 0, 0
	release := make(chan struct{})

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.Registration{
		ActionType: "ingestion.document.process",
		Func: func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*handler.Result, error) {
			mu.Lock()
			concurrent++
			if concurrent > maxObserved {
				maxObserved = concurrent
			}
			mu.Unlock()
			<-release
			mu.Lock()
			concurrent--
			mu.Unlock()
			return &handler.Result{}, nil
		},
	}))

	policy := tierpolicy.New(map[envelope.Tier]int{envelope.TierFree: 1}, nil, nil, nil)
	w, conn, names := newTestWorker(t, Options{Registry: registry, MaxInflight: 5, Policy: policy})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		action := envelope.NewAction(envelope.NewActionOptions{
			ActionType:    "ingestion.document.process",
			OriginService: "caller",
			TenantID:      "tenant-a",
			Tier:          envelope.TierFree,
		})
		payload, err := action.Marshal()
		require.NoError(t, err)
		require.NoError(t, conn.Push(ctx, names.ActionQueue("ingestion_service", "", "", envelope.TierFree), payload))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(runCtx) }()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.LessOrEqual(t, maxObserved, 1)
	mu.Unlock()

	close(release)
	time.Sleep(100 * time.Millisecond)
	cancel()
}

func TestWorkerDefersRetryWithoutHoldingConcurrencySlot(t *testing.T) {
	var mu sync.Mutex
	var attemptTimes []time.Time

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.Registration{
		ActionType: "ingestion.document.process",
		Func: func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*handler.Result, error) {
			mu.Lock()
			attemptTimes = append(attemptTimes, time.Now())
			first := len(attemptTimes) == 1
			mu.Unlock()
			if first {
				return nil, errors.New("transient failure")
			}
			return &handler.Result{}, nil
		},
	}))

	w, conn, names := newTestWorker(t, Options{Registry: registry, MaxInflight: 1, MaxRetries: 3})
	ctx := context.Background()

	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "caller"})
	payload, err := action.Marshal()
	require.NoError(t, err)
	targetQueue := names.ActionQueue("ingestion_service", "", "", action.Tier)
	require.NoError(t, conn.Push(ctx, targetQueue, payload))

	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(runCtx) }()

	// While the retry is deferred, the sole concurrency slot must be
	// free for unrelated fresh work on the same queue, not held by a
	// goroutine blocked sleeping out the backoff.
	time.Sleep(60 * time.Millisecond)
	select {
	case w.sem <- struct{}{}:
		<-w.sem
	default:
		t.Fatal("concurrency slot held during deferred retry window")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attemptTimes) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-errCh

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, attemptTimes[1].Sub(attemptTimes[0]), 300*time.Millisecond)
}

func TestWorkerStopWaitsForInflightHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.Registration{
		ActionType: "ingestion.document.process",
		Func: func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*handler.Result, error) {
			close(started)
			<-release
			return &handler.Result{}, nil
		},
	}))

	w, conn, names := newTestWorker(t, Options{Registry: registry})
	ctx := context.Background()

	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "caller"})
	payload, _ := action.Marshal()
	require.NoError(t, conn.Push(ctx, names.ActionQueue("ingestion_service", "", "", action.Tier), payload))

	runCtx, cancelRun := context.WithCancel(context.Background())
	go func() { _ = w.Run(runCtx) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	stopDone := make(chan error, 1)
	go func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelStop()
		stopDone <- w.Stop(stopCtx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopDone)
	cancelRun()
}
