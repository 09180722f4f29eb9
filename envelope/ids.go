package envelope

import "github.com/google/uuid"

// DeterministicID derives a stable UUIDv5 from tenant/session context
// plus any extra qualifiers (e.g. an agent or document id). Handlers
// use it to derive secondary keys (vector-store point ids, dedup keys)
// that stay stable across an at-least-once re-delivery of the same
// action_id, making their side effects naturally idempotent.
func DeterministicID(tenantID, sessionID string, extra ...string) uuid.UUID {
	name := tenantID + "|" + sessionID
	for _, e := range extra {
		name += "|" + e
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
