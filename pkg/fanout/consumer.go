package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/types"
)

// Invalidator evicts cached access decisions for a (record, user) pair
type Invalidator interface {
	Invalidate(recordID, userID string)
}

// PermissionWriter is the slice of the metadata store the consumer
// needs to keep the denormalized permission rows in step with the
// ledger.
type PermissionWriter interface {
	UpsertPermission(ctx context.Context, perm *types.Permission) error
	DeactivatePermissions(ctx context.Context, recordID, granteeID string) error
}

// Consumer wires ledger events to the canonical handlers: policy cache
// invalidation, permission row maintenance, and user notifications.
// Handlers run independently; one failing never stops the others.
type Consumer struct {
	perms       PermissionWriter
	invalidator Invalidator
	broker      *Broker
	logger      zerolog.Logger
}

// NewConsumer builds a consumer. Any dependency may be nil; the
// corresponding handler is skipped.
func NewConsumer(perms PermissionWriter, invalidator Invalidator, broker *Broker) *Consumer {
	return &Consumer{
		perms:       perms,
		invalidator: invalidator,
		broker:      broker,
		logger:      log.WithComponent("fanout"),
	}
}

// Bind subscribes the consumer to the ledger session's events
func (c *Consumer) Bind(l ledger.Client) {
	l.Subscribe(ledger.EventRecordCreated, c.Handle)
	l.Subscribe(ledger.EventAccessGranted, c.Handle)
	l.Subscribe(ledger.EventAccessRevoked, c.Handle)
}

// Handle dispatches one normalized event through every handler
func (c *Consumer) Handle(ctx context.Context, ev ledger.Event) {
	metrics.EventsDispatched.WithLabelValues(ev.Name).Inc()

	type handler struct {
		name string
		fn   func(context.Context, ledger.Event) error
	}
	handlers := []handler{
		{"invalidate", c.invalidate},
		{"permissions", c.updatePermissions},
		{"notify", c.notify},
	}
	for _, h := range handlers {
		if err := h.fn(ctx, ev); err != nil {
			metrics.HandlerErrors.Inc()
			c.logger.Error().Err(err).
				Str("handler", h.name).
				Str("event", ev.Name).
				Str("record_id", ev.RecordID).
				Msg("event handler failed; delivery continues")
		}
	}
}

func (c *Consumer) invalidate(ctx context.Context, ev ledger.Event) error {
	if c.invalidator == nil {
		return nil
	}
	switch ev.Name {
	case ledger.EventAccessGranted, ledger.EventAccessRevoked:
		c.invalidator.Invalidate(ev.RecordID, ev.GranteeID)
	}
	return nil
}

func (c *Consumer) updatePermissions(ctx context.Context, ev ledger.Event) error {
	if c.perms == nil {
		return nil
	}
	switch ev.Name {
	case ledger.EventAccessGranted:
		action := types.Action(ev.Action)
		if action == "" {
			action = types.ActionRead
		}
		return c.perms.UpsertPermission(ctx, &types.Permission{
			RecordID:  ev.RecordID,
			GranteeID: ev.GranteeID,
			Action:    action,
			GrantedBy: ev.CreatorID,
			GrantedAt: time.Now().UTC(),
			IsActive:  true,
		})
	case ledger.EventAccessRevoked:
		return c.perms.DeactivatePermissions(ctx, ev.RecordID, ev.GranteeID)
	}
	return nil
}

func (c *Consumer) notify(ctx context.Context, ev ledger.Event) error {
	if c.broker == nil {
		return nil
	}
	switch ev.Name {
	case ledger.EventRecordCreated:
		c.broker.Publish(&Notification{
			Kind:     NotificationRecordCreated,
			UserID:   ev.PatientID,
			RecordID: ev.RecordID,
			Message:  fmt.Sprintf("a new record %s was created for you", ev.RecordID),
		})
	case ledger.EventAccessGranted:
		c.broker.Publish(&Notification{
			Kind:     NotificationAccessGranted,
			UserID:   ev.GranteeID,
			RecordID: ev.RecordID,
			Message:  fmt.Sprintf("you were granted %s access to record %s", ev.Action, ev.RecordID),
		})
	case ledger.EventAccessRevoked:
		c.broker.Publish(&Notification{
			Kind:     NotificationAccessRevoked,
			UserID:   ev.GranteeID,
			RecordID: ev.RecordID,
			Message:  fmt.Sprintf("your access to record %s was revoked", ev.RecordID),
		})
	}
	return nil
}
