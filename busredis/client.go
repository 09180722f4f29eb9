package busredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nooble4/bus/buslog"
	"github.com/nooble4/bus/envelope"
	"github.com/nooble4/bus/queue"
)

// DefaultPseudoSyncTimeout matches the original client's
// timeout_seconds=30 default for send_action_pseudo_sync.
const DefaultPseudoSyncTimeout = 30 * time.Second

// Client sends DomainAction-style envelopes to other services over
// Redis queues, implementing the three producer modes of the original
// platform's BaseRedisClient: fire-and-forget, fire-and-callback, and
// pseudo-synchronous request/reply.
type Client struct {
	conn          *Conn
	names         queue.Names
	originService string
	logger        buslog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Conn          *Conn
	Names         queue.Names
	OriginService string
	Logger        buslog.Logger
}

// NewClient builds a Client over an already-connected Conn.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("busredis: conn is required")
	}
	if opts.OriginService == "" {
		return nil, fmt.Errorf("busredis: origin service name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = buslog.NewDefaultLogger()
	}
	return &Client{conn: opts.Conn, names: opts.Names, originService: opts.OriginService, logger: logger}, nil
}

// SendOptions carries the fields common to all three send modes.
type SendOptions struct {
	ActionType     string
	TargetService  string
	Data           interface{}
	TenantID       string
	UserID         string
	SessionID      string
	Tier           envelope.Tier
	CorrelationID  uuid.UUID
	TraceID        uuid.UUID
}

// SendAsync fires an action at target_service's queue and returns
// immediately with the generated action ID. Equivalent to the
// original client's send_action_async.
func (c *Client) SendAsync(ctx context.Context, opts SendOptions) (uuid.UUID, error) {
	action, err := c.buildAction(opts, "", "")
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.enqueue(ctx, opts.TargetService, opts.TenantID, opts.SessionID, opts.Tier, action); err != nil {
		return uuid.Nil, err
	}
	return action.ActionID, nil
}

// SendAsyncWithCallbackOptions extends SendOptions with the callback
// routing pair required by send_async_with_callback.
type SendAsyncWithCallbackOptions struct {
	SendOptions
	CallbackQueueName  string
	CallbackActionType string
}

// SendAsyncWithCallback fires an action and tells the target where to
// deliver the eventual result, returning immediately with the action
// ID. Equivalent to send_action_async_with_callback.
func (c *Client) SendAsyncWithCallback(ctx context.Context, opts SendAsyncWithCallbackOptions) (uuid.UUID, error) {
	if opts.CallbackQueueName == "" || opts.CallbackActionType == "" {
		return uuid.Nil, fmt.Errorf("busredis: callback queue name and action type are both required")
	}
	action, err := c.buildAction(opts.SendOptions, opts.CallbackQueueName, opts.CallbackActionType)
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.enqueue(ctx, opts.TargetService, opts.TenantID, opts.SessionID, opts.Tier, action); err != nil {
		return uuid.Nil, err
	}
	return action.ActionID, nil
}

// SendPseudoSyncOptions extends SendOptions with the reply timeout.
type SendPseudoSyncOptions struct {
	SendOptions
	Timeout time.Duration
}

// SendPseudoSync sends an action whose callback queue is a private,
// per-call reply queue, then blocks (BLPOP) until a response arrives
// or Timeout elapses. Equivalent to send_action_pseudo_sync.
func (c *Client) SendPseudoSync(ctx context.Context, opts SendPseudoSyncOptions) (*envelope.ActionResponse, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultPseudoSyncTimeout
	}

	correlationID := opts.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	shortAction := queue.Sanitize(envelopeLastSegment(opts.ActionType))
	replyQueue := c.names.ReplyQueue(c.originService, shortAction, correlationID.String())

	sendOpts := opts.SendOptions
	sendOpts.CorrelationID = correlationID
	action, err := c.buildAction(sendOpts, replyQueue, opts.ActionType+"_response")
	if err != nil {
		return nil, err
	}

	targetQueue := c.names.ActionQueue(opts.TargetService, opts.TenantID, opts.SessionID, opts.Tier)
	payload, err := action.Marshal()
	if err != nil {
		return nil, fmt.Errorf("busredis: marshal action: %w", err)
	}

	if err := c.conn.Push(ctx, targetQueue, payload); err != nil {
		return envelope.NewErrorResponse(action, envelope.ErrCodeRedisClient, err.Error(), true), nil
	}

	raw, err := c.conn.BlockingPop(ctx, replyQueue, timeout)
	if err == ErrEmpty {
		c.logger.Warn("pseudo-sync timed out waiting for response", "queue", replyQueue)
		return envelope.NewErrorResponse(action, envelope.ErrCodeClientTimeout, "timed out waiting for response", true), nil
	}
	if err != nil {
		return envelope.NewErrorResponse(action, envelope.ErrCodeRedisClient, err.Error(), true), nil
	}

	resp, err := envelope.UnmarshalResponse(raw)
	if err != nil {
		return envelope.NewErrorResponse(action, envelope.ErrCodeResponseDecode, err.Error(), false), nil
	}
	return resp, nil
}

// SendRawToQueue pushes an already-built action directly onto
// queueName instead of a service's action queue, used to deliver
// callback actions to the specific queue named in the original
// request's callback_queue_name.
func (c *Client) SendRawToQueue(ctx context.Context, queueName string, action *envelope.Action) error {
	payload, err := action.Marshal()
	if err != nil {
		return fmt.Errorf("busredis: marshal action: %w", err)
	}
	if err := c.conn.Push(ctx, queueName, payload); err != nil {
		return fmt.Errorf("busredis: push to %s: %w", queueName, err)
	}
	c.logger.Debug("sent callback", "action_id", action.ActionID.String(), "queue", queueName)
	return nil
}

func (c *Client) buildAction(opts SendOptions, callbackQueue, callbackActionType string) (*envelope.Action, error) {
	var data []byte
	if opts.Data != nil {
		marshaled, err := marshalData(opts.Data)
		if err != nil {
			return nil, fmt.Errorf("busredis: marshal data: %w", err)
		}
		data = marshaled
	}

	action := envelope.NewAction(envelope.NewActionOptions{
		ActionType:         opts.ActionType,
		OriginService:      c.originService,
		TargetService:      opts.TargetService,
		TenantID:           opts.TenantID,
		UserID:             opts.UserID,
		SessionID:          opts.SessionID,
		Tier:               opts.Tier,
		CorrelationID:      opts.CorrelationID,
		TraceID:            opts.TraceID,
		CallbackQueueName:  callbackQueue,
		CallbackActionType: callbackActionType,
		Data:               data,
	})
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return action, nil
}

func (c *Client) enqueue(ctx context.Context, targetService, tenantID, sessionID string, tier envelope.Tier, action *envelope.Action) error {
	targetQueue := c.names.ActionQueue(targetService, tenantID, sessionID, tier)
	payload, err := action.Marshal()
	if err != nil {
		return fmt.Errorf("busredis: marshal action: %w", err)
	}
	if err := c.conn.Push(ctx, targetQueue, payload); err != nil {
		return fmt.Errorf("busredis: push to %s: %w", targetQueue, err)
	}
	c.logger.Debug("sent action", "action_id", action.ActionID.String(), "queue", targetQueue)
	return nil
}

func envelopeLastSegment(actionType string) string {
	for i := len(actionType) - 1; i >= 0; i-- {
		if actionType[i] == '.' {
			return actionType[i+1:]
		}
	}
	return actionType
}
