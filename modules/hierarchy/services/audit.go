package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/events"
	"github.com/iota-uz/teamgraph/pkg/constants"
	"github.com/iota-uz/teamgraph/pkg/eventbus"
)

// auditPublisher hands before/after snapshots to the audit sink after a
// mutation commits. The sink is write-only; publish failures are logged and
// never propagated to the caller.
type auditPublisher struct {
	bus eventbus.EventBusWithError
	log *logrus.Logger
}

func newAuditPublisher(bus eventbus.EventBusWithError, log *logrus.Logger) *auditPublisher {
	return &auditPublisher{bus: bus, log: log}
}

func (a *auditPublisher) publish(ctx context.Context, txTime time.Time, changeType, entityType string, entityID uuid.UUID, window events.ValidityWindowV1, oldValues, newValues any) {
	if a == nil || a.bus == nil {
		return
	}

	ev := events.HierarchyEventV1{
		EventID:         uuid.New(),
		EventVersion:    events.EventVersionV1,
		RequestID:       requestID(ctx),
		TransactionTime: txTime.UTC(),
		ChangeType:      changeType,
		EntityType:      entityType,
		EntityID:        entityID,
		ValidityWindow:  window,
	}

	var err error
	if ev.OldValues, err = marshalAuditValues(oldValues); err != nil {
		a.warn(err, changeType, entityID)
		return
	}
	if ev.NewValues, err = marshalAuditValues(newValues); err != nil {
		a.warn(err, changeType, entityID)
		return
	}
	if ev.NewValues == nil {
		ev.NewValues = json.RawMessage(`{}`)
	}

	topic := events.TopicTeamChangedV1
	if entityType == "membership_edge" {
		topic = events.TopicMembershipChangedV1
	}
	if err := a.bus.PublishE(topic, &ev); err != nil {
		a.warn(err, changeType, entityID)
	}
}

func (a *auditPublisher) warn(err error, changeType string, entityID uuid.UUID) {
	if a.log == nil {
		return
	}
	a.log.WithError(err).
		WithField("change_type", changeType).
		WithField("entity_id", entityID).
		Warn("hierarchy: audit publish failed")
}

func marshalAuditValues(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(constants.RequestIDKey).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}
