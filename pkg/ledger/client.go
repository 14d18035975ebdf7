package ledger

import (
	"context"
	"fmt"

	"github.com/medchain-labs/custodia/pkg/errdefs"
)

// Failure kinds surfaced by ledger sessions
var (
	ErrNotConnected       = fmt.Errorf("ledger session not connected: %w", errdefs.ErrDependencyUnavailable)
	ErrIdentityMissing    = fmt.Errorf("ledger identity material missing: %w", errdefs.ErrLedger)
	ErrProfileInvalid     = fmt.Errorf("connection profile invalid: %w", errdefs.ErrLedger)
	ErrChannelUnavailable = fmt.Errorf("ledger channel unavailable: %w", errdefs.ErrDependencyUnavailable)
	ErrChaincodeError     = fmt.Errorf("chaincode returned an error: %w", errdefs.ErrLedger)
	ErrEvaluateTimeout    = fmt.Errorf("ledger evaluate timed out: %w", errdefs.ErrTimeout)
)

// Handler consumes one normalized chaincode event
type Handler func(ctx context.Context, ev Event)

// Status reports session health
type Status struct {
	Connected  bool   `json:"connected"`
	Retries    int    `json:"retries"`
	MaxRetries int    `json:"max_retries"`
	Channel    string `json:"channel"`
	Chaincode  string `json:"chaincode"`
}

// Client is a ledger session: transaction submission, read-only
// evaluation, and chaincode event subscription. Gateway talks to a
// Fabric-style gateway service over HTTP; FileLedger is the local
// single-process implementation used in dev mode and tests.
type Client interface {
	// Submit invokes a chaincode function as a transaction and returns
	// the transaction id once the network accepts it.
	Submit(ctx context.Context, function string, args ...string) (string, error)

	// Evaluate invokes a read-only chaincode function and returns the
	// raw response bytes.
	Evaluate(ctx context.Context, function string, args ...string) ([]byte, error)

	// Subscribe registers a handler for a named chaincode event. The
	// empty name subscribes to all events.
	Subscribe(eventName string, h Handler)

	Status() Status
	Close() error
}
