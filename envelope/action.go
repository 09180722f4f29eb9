package envelope

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Version is the current envelope schema version, written on every
// outgoing Action and ActionResponse.
const Version = "1.0.0"

var actionTypeRe = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+){1,4}$`)

// Action is the immutable-after-creation envelope for inter-service
// messages (the "DomainAction" of the original design). Unknown fields
// are ignored on decode (encoding/json already does this for structs)
// and zero-value optional fields are never emitted thanks to
// `omitempty`.
type Action struct {
	ActionID  uuid.UUID `json:"action_id"`
	ActionType string   `json:"action_type"`
	Timestamp time.Time `json:"timestamp"`

	OriginService string `json:"origin_service"`
	TargetService string `json:"target_service,omitempty"`

	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Tier Tier `json:"tier"`

	CorrelationID uuid.UUID `json:"correlation_id"`
	TraceID       uuid.UUID `json:"trace_id"`

	CallbackQueueName  string `json:"callback_queue_name,omitempty"`
	CallbackActionType string `json:"callback_action_type,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`

	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	QueueMetadata map[string]interface{} `json:"queue_metadata,omitempty"`

	Version string `json:"version"`
}

// NewActionOptions configures NewAction. Zero values mean "leave unset
// / let NewAction generate one", except where noted.
type NewActionOptions struct {
	ActionType    string
	OriginService string
	TargetService string
	TenantID      string
	UserID        string
	SessionID     string
	Tier          Tier

	// CorrelationID / TraceID: when the zero uuid.UUID is passed, a
	// fresh one is generated. Pass an existing value to stitch into a
	// running chain.
	CorrelationID uuid.UUID
	TraceID       uuid.UUID

	CallbackQueueName  string
	CallbackActionType string

	Data json.RawMessage
}

// NewAction builds a new Action, assigning a fresh action_id and
// timestamp, and filling correlation_id/trace_id when absent.
func NewAction(opts NewActionOptions) *Action {
	correlationID := opts.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	traceID := opts.TraceID
	if traceID == uuid.Nil {
		traceID = uuid.New()
	}
	if opts.Tier == "" {
		opts.Tier = TierFree
	}

	return &Action{
		ActionID:           uuid.New(),
		ActionType:         opts.ActionType,
		Timestamp:          time.Now().UTC(),
		OriginService:      opts.OriginService,
		TargetService:      opts.TargetService,
		TenantID:           opts.TenantID,
		UserID:             opts.UserID,
		SessionID:          opts.SessionID,
		Tier:               opts.Tier,
		CorrelationID:      correlationID,
		TraceID:            traceID,
		CallbackQueueName:  opts.CallbackQueueName,
		CallbackActionType: opts.CallbackActionType,
		Data:               opts.Data,
		Version:            Version,
	}
}

// Validate checks the invariants required of every Action: action_type
// format, known tier, and the callback-pair invariant.
func (a *Action) Validate() error {
	if !actionTypeRe.MatchString(a.ActionType) {
		return &ValidationError{Field: "action_type", Err: ErrInvalidActionType}
	}
	if !a.Tier.Valid() {
		return &ValidationError{Field: "tier", Err: ErrUnknownTier}
	}
	hasQueue := a.CallbackQueueName != ""
	hasType := a.CallbackActionType != ""
	if hasQueue != hasType {
		return &ValidationError{Field: "callback_queue_name/callback_action_type", Err: ErrCallbackMismatch}
	}
	return nil
}

// Domain returns the first dotted segment of action_type.
func (a *Action) Domain() string {
	return firstSegment(a.ActionType)
}

// Verb returns the last dotted segment of action_type.
func (a *Action) Verb() string {
	return lastSegment(a.ActionType)
}

// HasCallback reports whether this action asked for a callback/response.
func (a *Action) HasCallback() bool {
	return a.CallbackQueueName != "" && a.CallbackActionType != ""
}

// Marshal serializes the action to its wire JSON form.
func (a *Action) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// Unmarshal parses wire JSON into an Action and validates it. Unknown
// fields are silently ignored, matching the forward-compatibility
// requirement.
func Unmarshal(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &ValidationError{Field: "<envelope>", Err: err}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func firstSegment(actionType string) string {
	for i := 0; i < len(actionType); i++ {
		if actionType[i] == '.' {
			return actionType[:i]
		}
	}
	return actionType
}

func lastSegment(actionType string) string {
	for i := len(actionType) - 1; i >= 0; i-- {
		if actionType[i] == '.' {
			return actionType[i+1:]
		}
	}
	return actionType
}
