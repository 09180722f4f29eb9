// Package queue builds the deterministic, colon-separated Redis queue
// names used by every nooble4 service, grounded on the original
// system's QueueManager (standart_colas.md conventions) and adapted to
// Go's functional-options-free, pure-function style.
package queue

import (
	"strings"

	"github.com/nooble4/bus/envelope"
)

const (
	// DefaultGlobalPrefix is the top-level namespace for every queue.
	DefaultGlobalPrefix = "nooble4"
	// DefaultEnvironment is used when no environment is configured.
	DefaultEnvironment = "dev"
)

// Names resolves queue names for one (global_prefix, environment) pair.
// It is a pure, stateless value — safe to share across goroutines and
// across client/worker instances.
type Names struct {
	GlobalPrefix string
	Environment  string
}

// New returns a Names resolver, defaulting empty fields to
// DefaultGlobalPrefix/DefaultEnvironment.
func New(globalPrefix, environment string) Names {
	if globalPrefix == "" {
		globalPrefix = DefaultGlobalPrefix
	}
	if environment == "" {
		environment = DefaultEnvironment
	}
	return Names{GlobalPrefix: globalPrefix, Environment: environment}
}

func (n Names) base() string {
	return n.GlobalPrefix + ":" + n.Environment
}

// Sanitize replaces characters that would break the colon-separated
// queue grammar (':' and whitespace) with '_'.
func Sanitize(part string) string {
	replacer := strings.NewReplacer(":", "_", " ", "_", "\t", "_", "\n", "_")
	return replacer.Replace(part)
}

// ActionQueue builds the action queue name for target service, per:
//
//	{global_prefix}:{environment}:{service}[:{tenant_id}][:{context}][:{tier}]:actions
//
// Segment order is fixed: service, tenant, context, tier, actions. When
// tenant is present without an explicit context, tenant still sorts
// before tier. tier is included whenever it is non-empty so tier-aware
// consumers can fan out across tiers; pass an empty tier for a
// tier-agnostic queue.
func (n Names) ActionQueue(service, tenantID, context string, tier envelope.Tier) string {
	parts := []string{n.base(), Sanitize(service)}
	if tenantID != "" {
		parts = append(parts, Sanitize(tenantID))
	}
	if context != "" {
		parts = append(parts, Sanitize(context))
	}
	if tier != "" {
		parts = append(parts, Sanitize(string(tier)))
	}
	parts = append(parts, "actions")
	return strings.Join(parts, ":")
}

// ReplyQueue builds the pseudo-sync reply queue name for a client
// awaiting a single response:
//
//	{global_prefix}:{environment}:{client_service}:responses:{short_action}:{correlation_id}
func (n Names) ReplyQueue(clientService, shortAction, correlationID string) string {
	return strings.Join([]string{
		n.base(),
		Sanitize(clientService),
		"responses",
		Sanitize(shortAction),
		Sanitize(correlationID),
	}, ":")
}

// CallbackQueue builds a queue a client listens on for asynchronous
// callback actions:
//
//	{global_prefix}:{environment}:{client_service}:callbacks:{context_name}[:{unique_id}]
func (n Names) CallbackQueue(clientService, contextName, uniqueID string) string {
	parts := []string{n.base(), Sanitize(clientService), "callbacks", Sanitize(contextName)}
	if uniqueID != "" {
		parts = append(parts, Sanitize(uniqueID))
	}
	return strings.Join(parts, ":")
}

// DeadLetterQueue builds the DLQ name for originalQueue.
func DeadLetterQueue(originalQueue string) string {
	return originalQueue + ":dead_letter"
}

// TierPriorityOrder returns the tiers in the fixed poll order a
// multi-tier consumer must attempt on each cycle: enterprise,
// professional, advance, free.
func TierPriorityOrder() []envelope.Tier {
	return envelope.Tiers()
}

// IsDeadLetter reports whether queueName is a dead-letter queue.
func IsDeadLetter(queueName string) bool {
	return strings.HasSuffix(queueName, ":dead_letter")
}

// IsReplyQueue reports whether queueName looks like a pseudo-sync
// reply queue (contains a ":responses:" segment), used by the worker
// to decide whether to emit an ActionResponse instead of a callback
// Action.
func IsReplyQueue(queueName string) bool {
	return strings.Contains(queueName, ":responses:")
}
