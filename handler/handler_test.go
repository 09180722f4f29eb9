package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble4/bus/envelope"
)

type docPayload struct {
	DocumentID string `json:"document_id"`
}

func TestParseActionDataDecodesExpectedType(t *testing.T) {
	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "svc"})
	data, _ := json.Marshal(docPayload{DocumentID: "doc-1"})

	parsed, err := ParseActionData[docPayload](action, data)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", parsed.DocumentID)
}

func TestParseActionDataRejectsMissingData(t *testing.T) {
	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "svc"})
	_, err := ParseActionData[docPayload](action, nil)
	require.Error(t, err)
}

func TestCreateSuccessAndErrorResponses(t *testing.T) {
	action := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "svc"})

	resp, err := CreateSuccessResponse(action, docPayload{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, action.CorrelationID, resp.CorrelationID)

	errResp := CreateErrorResponse(action, envelope.ErrCodeInvalidPayload, "bad payload", false)
	assert.False(t, errResp.Success)
	assert.Equal(t, envelope.ErrCodeInvalidPayload, errResp.Error.ErrorCode)
}

type fakeSender struct {
	queue  string
	action *envelope.Action
}

func (f *fakeSender) SendRawToQueue(ctx context.Context, queueName string, action *envelope.Action) error {
	f.queue = queueName
	f.action = action
	return nil
}

func TestSendCallbackBuildsCorrelatedAction(t *testing.T) {
	original := envelope.NewAction(envelope.NewActionOptions{
		ActionType:         "ingestion.document.process",
		OriginService:      "caller_service",
		TenantID:           "tenant-1",
		CallbackQueueName:  "nooble4:dev:caller_service:callbacks:doc_processed",
		CallbackActionType: "ingestion.document.completed",
	})

	sender := &fakeSender{}
	err := SendCallback(context.Background(), sender, "ingestion_service", original, docPayload{DocumentID: "doc-1"}, "")
	require.NoError(t, err)

	require.Equal(t, original.CallbackQueueName, sender.queue)
	require.NotNil(t, sender.action)
	assert.Equal(t, "ingestion.document.completed", sender.action.ActionType)
	assert.Equal(t, original.CorrelationID, sender.action.CorrelationID)
	assert.Equal(t, "caller_service", sender.action.TargetService)
	assert.Equal(t, "tenant-1", sender.action.TenantID)
}

func TestSendCallbackRequiresCallbackQueue(t *testing.T) {
	original := envelope.NewAction(envelope.NewActionOptions{ActionType: "ingestion.document.process", OriginService: "caller_service"})
	sender := &fakeSender{}
	err := SendCallback(context.Background(), sender, "ingestion_service", original, nil, "")
	require.Error(t, err)
}
