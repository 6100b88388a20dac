package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TopicTeamChangedV1       = "hierarchy.team.changed.v1"
	TopicMembershipChangedV1 = "hierarchy.membership.changed.v1"
	EventVersionV1           = 1
)

type ValidityWindowV1 struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// HierarchyEventV1 is the before/after snapshot handed to the audit sink on
// every mutating call. The sink is a write-only collaborator; producers
// never read audit state back.
type HierarchyEventV1 struct {
	EventID         uuid.UUID        `json:"event_id"`
	EventVersion    int              `json:"event_version"`
	RequestID       string           `json:"request_id"`
	TransactionTime time.Time        `json:"transaction_time"`
	ChangeType      string           `json:"change_type"`
	EntityType      string           `json:"entity_type"`
	EntityID        uuid.UUID        `json:"entity_id"`
	ValidityWindow  ValidityWindowV1 `json:"validity_window"`
	OldValues       json.RawMessage  `json:"old_values,omitempty"`
	NewValues       json.RawMessage  `json:"new_values"`
}
