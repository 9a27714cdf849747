package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IntentStatus is the gateway's verdict for a payment intent.
type IntentStatus string

const (
	IntentSucceeded IntentStatus = "succeeded"
	IntentPending   IntentStatus = "pending"
	IntentFailed    IntentStatus = "failed"
)

// Gateway is the payment provider collaborator. The reconciler treats it as
// an untrusted oracle: a client claiming "it succeeded" is never believed
// without a Confirm call.
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (string, error)
	Confirm(ctx context.Context, intentRef string) (IntentStatus, error)
}

// StubGateway is an in-process gateway for development and tests. Intents
// start pending; MarkSucceeded/MarkFailed simulate the provider's async
// confirmation. With autoSucceed set, intents confirm immediately.
type StubGateway struct {
	mu          sync.Mutex
	statuses    map[string]IntentStatus
	autoSucceed bool
}

func NewStubGateway(autoSucceed bool) *StubGateway {
	return &StubGateway{
		statuses:    make(map[string]IntentStatus),
		autoSucceed: autoSucceed,
	}
}

func (g *StubGateway) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref := "pi_stub_" + uuid.NewString()
	if g.autoSucceed {
		g.statuses[ref] = IntentSucceeded
	} else {
		g.statuses[ref] = IntentPending
	}
	return ref, nil
}

func (g *StubGateway) Confirm(ctx context.Context, intentRef string) (IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[intentRef]
	if !ok {
		return IntentFailed, fmt.Errorf("stub gateway: unknown intent %s", intentRef)
	}
	return status, nil
}

// MarkSucceeded simulates the provider collecting the payment.
func (g *StubGateway) MarkSucceeded(intentRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[intentRef] = IntentSucceeded
}

// MarkFailed simulates a declined payment.
func (g *StubGateway) MarkFailed(intentRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[intentRef] = IntentFailed
}
