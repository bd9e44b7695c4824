package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"BridgeLedger/internal/observability"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATS JetStream carries the bridge messages: durable consumer with explicit
// ack and bounded redelivery gives exactly the assumed at-least-once contract.
const (
	StreamName    = "BRIDGE_BATCHES"
	subjectPrefix = "bridge.batches"

	headerMessageID = "Bridge-Msg-Id"
	headerChainID   = "Bridge-Chain-Id"
	headerSender    = "Bridge-Sender"
	headerChannel   = "Bridge-Channel"
	headerAsset     = "Bridge-Asset"
	headerAmount    = "Bridge-Amount"
	headerBudget    = "Bridge-Compute-Budget"
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the bridge batch stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// NATSTransport is the JetStream-backed outbound transport. Each Send
// publishes one physical message whose headers carry the origin identity,
// the moved value and the destination compute budget.
type NATSTransport struct {
	js       jetstream.JetStream
	origin   Origin
	destName string // Destination label used in the subject
	fees     FeeSchedule
	log      zerolog.Logger
}

func NewNATSTransport(js jetstream.JetStream, origin Origin, destName string, fees FeeSchedule, log zerolog.Logger) *NATSTransport {
	return &NATSTransport{js: js, origin: origin, destName: destName, fees: fees, log: log}
}

func (t *NATSTransport) EstimateFee(records, payloadLen int) (*uint256.Int, error) {
	return t.fees.Quote(records, payloadLen), nil
}

func (t *NATSTransport) Send(ctx context.Context, payload []byte, asset token.Symbol, amount *uint256.Int, fee *uint256.Int, computeBudget uint64) error {
	if fee.Lt(t.fees.Quote(bytesToRecords(len(payload)), len(payload))) {
		return fmt.Errorf("%w: offered %s", ErrInsufficientFee, fee.Dec())
	}

	msg := nats.NewMsg(fmt.Sprintf("%s.%s", subjectPrefix, t.destName))
	msg.Data = payload
	msg.Header.Set(headerMessageID, uuid.NewString())
	msg.Header.Set(headerChainID, strconv.FormatUint(t.origin.ChainID, 10))
	msg.Header.Set(headerSender, t.origin.Sender.String())
	msg.Header.Set(headerChannel, t.origin.Channel)
	msg.Header.Set(headerAsset, string(asset))
	msg.Header.Set(headerAmount, amount.Dec())
	msg.Header.Set(headerBudget, strconv.FormatUint(computeBudget, 10))

	if _, err := t.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

func bytesToRecords(payloadLen int) int {
	if payloadLen <= wire.HeaderSize {
		return 0
	}
	return (payloadLen - wire.HeaderSize) / wire.RecordSize
}

// ProcessedLookup is the optional second dedupe tier consulted when a
// message id has aged out of the in-memory cache.
type ProcessedLookup interface {
	Processed(messageID string) (bool, error)
}

// Consumer drives the destination handler from the JetStream stream.
type Consumer struct {
	js      jetstream.JetStream
	handler Handler
	dedupe  *DeliveryDeduper
	tier2   ProcessedLookup
	cc      jetstream.ConsumeContext
	log     zerolog.Logger
	metrics *observability.Metrics

	lastEvictions int64
}

func NewConsumer(js jetstream.JetStream, handler Handler, dedupe *DeliveryDeduper, log zerolog.Logger, metrics *observability.Metrics) *Consumer {
	return &Consumer{js: js, handler: handler, dedupe: dedupe, log: log, metrics: metrics}
}

// SetProcessedLookup installs the durable dedupe tier.
func (c *Consumer) SetProcessedLookup(lookup ProcessedLookup) {
	c.tier2 = lookup
}

// Start creates the durable consumer and begins delivering messages.
// Explicit ack, max_deliver bounded: a handler crash before ack redelivers,
// the dedupe LRU keeps redelivery of a completed message effect-free.
func (c *Consumer) Start(ctx context.Context, destName string) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       "bridge-executor-" + destName,
		FilterSubject: fmt.Sprintf("%s.%s", subjectPrefix, destName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.deliver(msg)
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.cc = cc
	c.log.Info().Str("stream", StreamName).Str("dest", destName).Msg("inbound consumer started")
	return nil
}

func (c *Consumer) deliver(msg jetstream.Msg) {
	headers := msg.Headers()
	messageID := headers.Get(headerMessageID)
	if messageID == "" {
		c.terminate(msg, "missing message id")
		return
	}
	if c.dedupe.Seen(messageID) {
		if c.metrics != nil {
			c.metrics.DeliveryDuplicates.Inc()
		}
		msg.Ack()
		return
	}
	if c.tier2 != nil {
		// Lookup errors are treated as not-seen; the in-memory tier is
		// authoritative for recent ids
		if done, err := c.tier2.Processed(messageID); err == nil && done {
			if c.metrics != nil {
				c.metrics.DeliveryDuplicates.Inc()
			}
			c.dedupe.Mark(messageID)
			c.trackEvictions()
			msg.Ack()
			return
		}
	}

	origin, asset, amount, budget, err := parseDeliveryHeaders(headers)
	if err != nil {
		c.terminate(msg, err.Error())
		return
	}

	if budget < RequiredBudget(bytesToRecords(len(msg.Data()))) {
		// Undersized destination budget: retryable by a fresh dispatch with
		// corrected parameters, not by redelivering this message.
		if c.metrics != nil {
			c.metrics.MessagesRejected.WithLabelValues("compute_budget").Inc()
		}
		c.terminate(msg, ErrInsufficientBudget.Error())
		return
	}

	if err := c.handler(origin, messageID, msg.Data(), asset, amount); err != nil {
		// The handler is deterministic: redelivery cannot change the outcome
		if c.metrics != nil {
			c.metrics.MessagesRejected.WithLabelValues("handler").Inc()
		}
		c.terminate(msg, err.Error())
		return
	}

	c.dedupe.Mark(messageID)
	c.trackEvictions()
	if c.metrics != nil {
		c.metrics.MessagesAccepted.Inc()
	}
	msg.Ack()
}

func (c *Consumer) trackEvictions() {
	if c.metrics == nil {
		return
	}
	if n := c.dedupe.Evictions(); n > c.lastEvictions {
		c.metrics.DedupLRUEvictions.Add(float64(n - c.lastEvictions))
		c.lastEvictions = n
	}
}

func (c *Consumer) terminate(msg jetstream.Msg, reason string) {
	c.log.Error().Str("reason", reason).Msg("inbound message terminated")
	msg.Term()
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

func parseDeliveryHeaders(h nats.Header) (Origin, token.Symbol, *uint256.Int, uint64, error) {
	chainID, err := strconv.ParseUint(h.Get(headerChainID), 10, 64)
	if err != nil {
		return Origin{}, "", nil, 0, fmt.Errorf("bad chain id header: %w", err)
	}

	sender, err := decodeHexAddress(h.Get(headerSender))
	if err != nil {
		return Origin{}, "", nil, 0, fmt.Errorf("bad sender header: %w", err)
	}

	asset := token.Symbol(h.Get(headerAsset))
	if asset == "" {
		return Origin{}, "", nil, 0, fmt.Errorf("missing asset header")
	}

	amount, err := uint256.FromDecimal(h.Get(headerAmount))
	if err != nil {
		return Origin{}, "", nil, 0, fmt.Errorf("bad amount header: %w", err)
	}

	budget, err := strconv.ParseUint(h.Get(headerBudget), 10, 64)
	if err != nil {
		return Origin{}, "", nil, 0, fmt.Errorf("bad compute budget header: %w", err)
	}

	return Origin{ChainID: chainID, Sender: sender, Channel: h.Get(headerChannel)}, asset, amount, budget, nil
}

func decodeHexAddress(s string) (wire.Address, error) {
	var a wire.Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	if len(b) != wire.AddressSize {
		return a, fmt.Errorf("address length %d, want %d", len(b), wire.AddressSize)
	}
	copy(a[:], b)
	return a, nil
}
