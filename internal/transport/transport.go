// Package transport defines the delivery contract the bridge assumes:
// asynchronous, at-least-once delivery of batch payloads with a fee market,
// invoking the destination handler once per physical message. Ordering is
// guaranteed only per nonce within the payload itself — constituent messages
// of one batch may arrive in either order.
package transport

import (
	"context"
	"errors"

	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFee    = errors.New("fee below transport minimum")
	ErrInsufficientBudget = errors.New("destination compute budget too low")
)

// Origin identifies where an inbound message physically came from.
type Origin struct {
	ChainID uint64
	Sender  wire.Address // Origin contract on the source ledger
	Channel string       // Transport channel identity invoking the handler
}

// Handler is the destination-side inbound callback. transferred is the value
// physically moved with this message; crediting beyond it is a protocol
// violation the handler must reject.
type Handler func(origin Origin, messageID string, payload []byte, asset token.Symbol, transferred *uint256.Int) error

// Transport is the outbound surface consumed by the batch dispatcher.
type Transport interface {
	// EstimateFee quotes the delivery fee for a payload of the given size.
	EstimateFee(records int, payloadLen int) (*uint256.Int, error)

	// Send submits one physical message carrying the payload and its value.
	// computeBudget bounds destination-side processing; undersizing it fails
	// delivery retryably, it never loses the message.
	Send(ctx context.Context, payload []byte, asset token.Symbol, amount *uint256.Int, fee *uint256.Int, computeBudget uint64) error
}

// FeeSchedule is the transport fee market model shared by implementations.
type FeeSchedule struct {
	Base      uint64
	PerByte   uint64
	PerRecord uint64
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{Base: 10_000, PerByte: 16, PerRecord: 400}
}

// Quote computes base + perByte*len + perRecord*records.
func (f FeeSchedule) Quote(records, payloadLen int) *uint256.Int {
	fee := uint256.NewInt(f.Base)
	fee.Add(fee, new(uint256.Int).Mul(uint256.NewInt(f.PerByte), uint256.NewInt(uint64(payloadLen))))
	fee.Add(fee, new(uint256.Int).Mul(uint256.NewInt(f.PerRecord), uint256.NewInt(uint64(records))))
	return fee
}

// RequiredBudget is the destination compute needed to process a message:
// the inbound handler loops once per depositor record.
func RequiredBudget(records int) uint64 {
	return 100_000 + 30_000*uint64(records)
}
