package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/metastore"
	"github.com/medchain-labs/custodia/pkg/types"
)

type spyInvalidator struct {
	mu    sync.Mutex
	calls [][2]string
}

func (s *spyInvalidator) Invalidate(recordID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]string{recordID, userID})
}

func grantedEvent() ledger.Event {
	return ledger.NormalizeEvent(ledger.EventAccessGranted,
		[]byte(`{"record_id":"r1","grantee_id":"d2","creator_id":"d1","action":"READ"}`))
}

func TestAccessGrantedUpsertsPermission(t *testing.T) {
	store := metastore.NewMemory()
	c := NewConsumer(store, nil, nil)

	c.Handle(context.Background(), grantedEvent())

	perms, err := store.ListPermissions(context.Background(), "r1")
	if err != nil {
		t.Fatalf("ListPermissions() error = %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("permissions = %d, want 1", len(perms))
	}
	p := perms[0]
	if p.GranteeID != "d2" || p.Action != types.ActionRead || p.GrantedBy != "d1" || !p.IsActive {
		t.Errorf("permission = %+v", p)
	}
}

func TestDuplicateGrantEventIsIdempotent(t *testing.T) {
	store := metastore.NewMemory()
	c := NewConsumer(store, nil, nil)
	ctx := context.Background()

	c.Handle(ctx, grantedEvent())
	c.Handle(ctx, grantedEvent())

	perms, _ := store.ListPermissions(ctx, "r1")
	if len(perms) != 1 {
		t.Errorf("permissions after duplicate event = %d, want 1", len(perms))
	}
}

func TestAccessRevokedFlipsPermission(t *testing.T) {
	store := metastore.NewMemory()
	c := NewConsumer(store, nil, nil)
	ctx := context.Background()

	c.Handle(ctx, grantedEvent())
	c.Handle(ctx, ledger.NormalizeEvent(ledger.EventAccessRevoked,
		[]byte(`{"record_id":"r1","grantee_id":"d2"}`)))

	perms, _ := store.ListPermissions(ctx, "r1")
	if len(perms) != 1 || perms[0].IsActive {
		t.Errorf("permissions after revoke = %+v", perms)
	}
}

func TestInvalidatorCalledOnAccessEvents(t *testing.T) {
	inv := &spyInvalidator{}
	c := NewConsumer(nil, inv, nil)
	ctx := context.Background()

	c.Handle(ctx, grantedEvent())
	c.Handle(ctx, ledger.NormalizeEvent(ledger.EventAccessRevoked,
		[]byte(`{"record_id":"r1","grantee_id":"d2"}`)))
	// RecordCreated does not touch the decision cache
	c.Handle(ctx, ledger.NormalizeEvent(ledger.EventRecordCreated,
		[]byte(`{"record_id":"r2","patient_id":"p1","creator_id":"d1"}`)))

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.calls) != 2 {
		t.Fatalf("invalidations = %d, want 2", len(inv.calls))
	}
	for _, call := range inv.calls {
		if call != [2]string{"r1", "d2"} {
			t.Errorf("invalidation = %v, want [r1 d2]", call)
		}
	}
}

func TestNotificationsPublished(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	c := NewConsumer(nil, nil, broker)
	c.Handle(context.Background(), ledger.NormalizeEvent(ledger.EventRecordCreated,
		[]byte(`{"record_id":"r1","patient_id":"p1","creator_id":"d1"}`)))

	select {
	case n := <-sub:
		if n.Kind != NotificationRecordCreated || n.UserID != "p1" || n.RecordID != "r1" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

// failingPermissions always errors, to prove handler isolation
type failingPermissions struct{}

func (failingPermissions) UpsertPermission(ctx context.Context, perm *types.Permission) error {
	return errors.New("db down")
}

func (failingPermissions) DeactivatePermissions(ctx context.Context, recordID, granteeID string) error {
	return errors.New("db down")
}

func TestFailingHandlerDoesNotStopDelivery(t *testing.T) {
	inv := &spyInvalidator{}
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	c := NewConsumer(failingPermissions{}, inv, broker)
	c.Handle(context.Background(), grantedEvent())

	inv.mu.Lock()
	invalidations := len(inv.calls)
	inv.mu.Unlock()
	if invalidations != 1 {
		t.Errorf("invalidations = %d, want 1 despite permission handler failure", invalidations)
	}
	select {
	case n := <-sub:
		if n.Kind != NotificationAccessGranted || n.UserID != "d2" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered despite earlier handler failure")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// full never drains; its buffer fills and deliveries to it are dropped
	full := broker.Subscribe()
	_ = full
	healthy := broker.Subscribe()

	received := make(chan int)
	go func() {
		count := 0
		for {
			select {
			case <-healthy:
				count++
			case <-time.After(time.Second):
				received <- count
				return
			}
		}
	}()

	c := NewConsumer(nil, nil, broker)
	for i := 0; i < 60; i++ {
		c.Handle(context.Background(), grantedEvent())
	}

	if count := <-received; count < 50 {
		t.Errorf("healthy subscriber received %d notifications, want most of 60", count)
	}
}
