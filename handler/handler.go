// Package handler is the per-action-type contract a service registers
// against a worker: parse request data, run business logic, and
// produce either a direct response or an asynchronous callback.
// Grounded on original_source/zbackup/communication/handler.py's
// BaseActionHandler.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nooble4/bus/envelope"
)

// Result is what a Func returns to the worker: the response to send
// back (directly for pseudo-sync, or nil when the handler will deliver
// its result via a callback instead).
type Result struct {
	Response *envelope.ActionResponse
}

// Func implements the business logic for one action_type. The worker
// has already popped and validated the envelope by the time Func runs;
// data is action.Data, passed separately so handlers don't need to
// reach into the envelope themselves.
type Func func(ctx context.Context, action *envelope.Action, data json.RawMessage) (*Result, error)

// SchemaValidator checks a raw JSON payload against a handler's
// expected shape. Kept to a minimal function type instead of pulling
// in a JSON-schema library — see DESIGN.md.
type SchemaValidator func(data json.RawMessage) error

// CallbackSender is the minimal capability SendCallback needs: pushing
// an already-built action onto an arbitrary queue. *busredis.Client
// satisfies this.
type CallbackSender interface {
	SendRawToQueue(ctx context.Context, queueName string, action *envelope.Action) error
}

// ParseActionData decodes action.Data into T. It mirrors
// BaseActionHandler._parse_action_data: missing data or a decode
// failure both surface as an error rather than a zero value, so
// handlers can reliably short-circuit to CreateErrorResponse.
func ParseActionData[T any](action *envelope.Action, data json.RawMessage) (*T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("handler: no data in action %s (%s)", action.ActionID, action.ActionType)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("handler: decode data for action %s (%s): %w", action.ActionID, action.ActionType, err)
	}
	return &v, nil
}

// CreateSuccessResponse builds a successful ActionResponse to
// original, carrying its correlation/trace IDs forward.
func CreateSuccessResponse(original *envelope.Action, responseData interface{}) (*envelope.ActionResponse, error) {
	var raw json.RawMessage
	if responseData != nil {
		b, err := json.Marshal(responseData)
		if err != nil {
			return nil, fmt.Errorf("handler: marshal response data: %w", err)
		}
		raw = b
	}
	return envelope.NewSuccessResponse(original, raw), nil
}

// CreateErrorResponse builds a failed ActionResponse to original.
func CreateErrorResponse(original *envelope.Action, errorCode, message string, retryable bool) *envelope.ActionResponse {
	return envelope.NewErrorResponse(original, errorCode, message, retryable)
}

// SendCallback delivers callbackData to original's callback queue as
// a fresh Action of callback_action_type (or actionTypeOverride when
// non-empty), propagating correlation_id, trace_id, and tenant/user/
// session context. Mirrors BaseActionHandler.send_callback.
func SendCallback(ctx context.Context, sender CallbackSender, originService string, original *envelope.Action, callbackData interface{}, actionTypeOverride string) error {
	if original.CallbackQueueName == "" {
		return fmt.Errorf("handler: original action %s has no callback_queue_name", original.ActionID)
	}
	cbActionType := actionTypeOverride
	if cbActionType == "" {
		cbActionType = original.CallbackActionType
	}
	if cbActionType == "" {
		return fmt.Errorf("handler: original action %s has no callback_action_type", original.ActionID)
	}

	var raw json.RawMessage
	if callbackData != nil {
		b, err := json.Marshal(callbackData)
		if err != nil {
			return fmt.Errorf("handler: marshal callback data: %w", err)
		}
		raw = b
	}

	callbackAction := envelope.NewAction(envelope.NewActionOptions{
		ActionType:    cbActionType,
		OriginService: originService,
		TargetService: original.OriginService,
		TenantID:      original.TenantID,
		UserID:        original.UserID,
		SessionID:     original.SessionID,
		Tier:          original.Tier,
		CorrelationID: original.CorrelationID,
		TraceID:       original.TraceID,
		Data:          raw,
	})
	if err := callbackAction.Validate(); err != nil {
		return fmt.Errorf("handler: built invalid callback action: %w", err)
	}
	return sender.SendRawToQueue(ctx, original.CallbackQueueName, callbackAction)
}
