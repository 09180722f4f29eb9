package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorDetail carries a stable machine error code alongside a
// human-readable message for ActionResponse.Error.
type ErrorDetail struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// ActionResponse is the envelope for pseudo-synchronous replies (the
// "DomainActionResponse" of the original design). Exactly one of Data
// or Error is ever populated; the constructors below are the only
// supported way to build one, so a malformed response cannot be
// constructed in the first place.
type ActionResponse struct {
	Success              bool            `json:"success"`
	CorrelationID         uuid.UUID       `json:"correlation_id"`
	TraceID               uuid.UUID       `json:"trace_id"`
	ActionTypeResponseTo string          `json:"action_type_response_to"`
	Timestamp            time.Time       `json:"timestamp"`

	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`

	Version string `json:"version"`
}

// NewSuccessResponse builds a successful response to req, carrying
// req's correlation_id and trace_id forward unchanged.
func NewSuccessResponse(req *Action, data json.RawMessage) *ActionResponse {
	return &ActionResponse{
		Success:              true,
		CorrelationID:        req.CorrelationID,
		TraceID:              req.TraceID,
		ActionTypeResponseTo: req.ActionType,
		Timestamp:            time.Now().UTC(),
		Data:                 data,
		Version:              Version,
	}
}

// NewErrorResponse builds a failed response to req.
func NewErrorResponse(req *Action, errorCode, message string, retryable bool) *ActionResponse {
	return &ActionResponse{
		Success:              false,
		CorrelationID:        req.CorrelationID,
		TraceID:              req.TraceID,
		ActionTypeResponseTo: req.ActionType,
		Timestamp:            time.Now().UTC(),
		Error: &ErrorDetail{
			ErrorCode: errorCode,
			Message:   message,
			Retryable: retryable,
		},
		Version: Version,
	}
}

// Validate checks the success/error XOR invariant. It is still
// exported because responses may arrive over the wire from any
// conforming implementation, not just the constructors above.
func (r *ActionResponse) Validate() error {
	if r.Success && r.Error != nil {
		return &ValidationError{Field: "error", Err: ErrResponseInvariant}
	}
	if !r.Success && r.Error == nil {
		return &ValidationError{Field: "error", Err: ErrResponseInvariant}
	}
	if !r.Success && r.Data != nil {
		return &ValidationError{Field: "data", Err: ErrResponseInvariant}
	}
	return nil
}

// Marshal serializes the response to its wire JSON form.
func (r *ActionResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResponse parses wire JSON into an ActionResponse and
// validates the success/error invariant.
func UnmarshalResponse(data []byte) (*ActionResponse, error) {
	var r ActionResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ValidationError{Field: "<response>", Err: err}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
