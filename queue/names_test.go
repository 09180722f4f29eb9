package queue

import (
	"strings"
	"testing"

	"github.com/nooble4/bus/envelope"
	"github.com/stretchr/testify/assert"
)

func TestActionQueueSegmentOrder(t *testing.T) {
	n := New("", "")
	got := n.ActionQueue("embedding", "tenant_xyz", "", envelope.TierFree)
	assert.Equal(t, "nooble4:dev:embedding:tenant_xyz:free:actions", got)
}

func TestActionQueueWithContextAndTenant(t *testing.T) {
	n := New("", "")
	got := n.ActionQueue("execution", "tenant_xyz", "session_123", envelope.TierEnterprise)
	assert.Equal(t, "nooble4:dev:execution:tenant_xyz:session_123:enterprise:actions", got)
}

func TestActionQueueBare(t *testing.T) {
	n := New("", "")
	assert.Equal(t, "nooble4:dev:management:actions", n.ActionQueue("management", "", "", ""))
}

func TestSanitizeReplacesColonsAndSpaces(t *testing.T) {
	assert.Equal(t, "a_b_c", Sanitize("a:b c"))
}

func TestReplyQueue(t *testing.T) {
	n := New("", "")
	got := n.ReplyQueue("svc_a", "send", "c1a2")
	assert.Equal(t, "nooble4:dev:svc_a:responses:send:c1a2", got)
	assert.True(t, IsReplyQueue(got))
}

func TestCallbackQueue(t *testing.T) {
	n := New("", "")
	got := n.CallbackQueue("svc_a", "ingested", "T1")
	assert.Equal(t, "nooble4:dev:svc_a:callbacks:ingested:T1", got)

	withoutID := n.CallbackQueue("svc_a", "ingested", "")
	assert.Equal(t, "nooble4:dev:svc_a:callbacks:ingested", withoutID)
}

func TestDeadLetterQueue(t *testing.T) {
	n := New("", "")
	actions := n.ActionQueue("payment", "", "", "")
	assert.Equal(t, actions+":dead_letter", DeadLetterQueue(actions))
	assert.True(t, IsDeadLetter(DeadLetterQueue(actions)))
}

// Property 4 (spec §8): every produced queue name starts with
// {global_prefix}:{environment} and contains exactly one of
// :actions, :responses:, :callbacks:.
func TestQueueNamesContainExactlyOneRoleSegment(t *testing.T) {
	n := New("acme", "prod")
	names := []string{
		n.ActionQueue("svc", "t1", "ctx", envelope.TierAdvance),
		n.ReplyQueue("svc", "send", "corr-1"),
		n.CallbackQueue("svc", "ctx", "id-1"),
	}
	for _, name := range names {
		assert.True(t, strings.HasPrefix(name, "acme:prod"), name)
		count := 0
		if strings.Contains(name, ":actions") {
			count++
		}
		if strings.Contains(name, ":responses:") {
			count++
		}
		if strings.Contains(name, ":callbacks:") {
			count++
		}
		assert.Equal(t, 1, count, name)
	}
}

func TestTierPriorityOrder(t *testing.T) {
	order := TierPriorityOrder()
	assert.Equal(t, []envelope.Tier{
		envelope.TierEnterprise,
		envelope.TierProfessional,
		envelope.TierAdvance,
		envelope.TierFree,
	}, order)
}
