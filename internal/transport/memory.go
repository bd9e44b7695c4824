package transport

import (
	"context"
	"fmt"

	"BridgeLedger/internal/token"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MemoryTransport is an in-process loopback transport for tests: Send either
// delivers synchronously or queues for explicit delivery, so arrival order
// and redelivery can be exercised deterministically.
type MemoryTransport struct {
	origin  Origin
	fees    FeeSchedule
	handler Handler

	// Deferred holds sends back until Deliver/DeliverAll is called.
	Deferred bool
	queue    []queuedMessage

	// FailSends makes Send fail (retryable-transport-failure tests).
	// FailAfter, when positive, fails Send once that many messages have been
	// accepted, for partial multi-message dispatches.
	FailSends bool
	FailAfter int

	Sent int
}

type queuedMessage struct {
	id      string
	payload []byte
	asset   token.Symbol
	amount  *uint256.Int
}

func NewMemoryTransport(origin Origin, handler Handler) *MemoryTransport {
	return &MemoryTransport{origin: origin, fees: DefaultFeeSchedule(), handler: handler}
}

func (t *MemoryTransport) EstimateFee(records, payloadLen int) (*uint256.Int, error) {
	return t.fees.Quote(records, payloadLen), nil
}

func (t *MemoryTransport) Send(_ context.Context, payload []byte, asset token.Symbol, amount *uint256.Int, fee *uint256.Int, computeBudget uint64) error {
	if t.FailSends || (t.FailAfter > 0 && t.Sent >= t.FailAfter) {
		return fmt.Errorf("%w: transport unavailable", ErrInsufficientFee)
	}
	if fee.Lt(t.fees.Quote(0, len(payload))) {
		return ErrInsufficientFee
	}

	t.Sent++
	msg := queuedMessage{
		id:      uuid.NewString(),
		payload: append([]byte(nil), payload...),
		asset:   asset,
		amount:  new(uint256.Int).Set(amount),
	}

	if t.Deferred {
		t.queue = append(t.queue, msg)
		return nil
	}
	return t.dispatch(msg)
}

// Deliver delivers the i-th queued message (possibly out of order).
func (t *MemoryTransport) Deliver(i int) error {
	if i < 0 || i >= len(t.queue) {
		return fmt.Errorf("no queued message %d", i)
	}
	return t.dispatch(t.queue[i])
}

// DeliverAll flushes the queue in order.
func (t *MemoryTransport) DeliverAll() error {
	for _, msg := range t.queue {
		if err := t.dispatch(msg); err != nil {
			return err
		}
	}
	t.queue = nil
	return nil
}

// Redeliver re-invokes the handler with the same message id, modeling the
// at-least-once duplicate case.
func (t *MemoryTransport) Redeliver(i int) error {
	return t.Deliver(i)
}

func (t *MemoryTransport) QueueLen() int {
	return len(t.queue)
}

func (t *MemoryTransport) dispatch(msg queuedMessage) error {
	if t.handler == nil {
		return fmt.Errorf("memory transport has no handler")
	}
	return t.handler(t.origin, msg.id, msg.payload, msg.asset, msg.amount)
}
