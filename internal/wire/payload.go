package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// Payload layout (bridged batch message):
//
//	[market:32][nonce:32][constituentCount:1][srcDecimals:1]
//	N × [depositor:20][amount:12]
//
// The nonce occupies a 32-byte field on the wire but is allocated from a
// uint64 counter; the upper 24 bytes are always zero.
const (
	MarketIDSize = 32
	AddressSize  = 20
	amountSize   = 12

	HeaderSize = MarketIDSize + 32 + 1 + 1
	RecordSize = AddressSize + amountSize
)

// MaxRecordAmount is the largest amount encodable in a 12-byte record (2^96-1).
// Contributions above this are omitted from a batch, never an error.
var MaxRecordAmount = func() *uint256.Int {
	max := new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	return max.SubUint64(max, 1)
}()

// MarketID is the opaque cross-ledger identifier of a deposit campaign.
type MarketID [MarketIDSize]byte

func (m MarketID) String() string {
	return hex.EncodeToString(m[:])
}

// Address identifies a depositor or contract on either ledger.
type Address [AddressSize]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Record is one depositor contribution inside a batch payload.
type Record struct {
	Depositor Address
	Amount    *uint256.Int // Normalized to the transport's shared precision
}

// Payload is the decoded form of a bridged batch message.
type Payload struct {
	Market           MarketID
	Nonce            uint64
	ConstituentCount uint8 // Number of assets sharing this nonce (1 for plain, 2 for LP)
	SrcDecimals      uint8
	Records          []Record
}

// Encode serializes the payload to the fixed-width wire format.
// Records whose amount exceeds MaxRecordAmount are rejected here — the
// dispatcher is responsible for omitting them before encoding.
func (p *Payload) Encode() ([]byte, error) {
	if p.ConstituentCount == 0 {
		return nil, fmt.Errorf("payload has zero constituent count")
	}
	if len(p.Records) == 0 {
		return nil, fmt.Errorf("payload has no depositor records")
	}

	buf := make([]byte, HeaderSize+len(p.Records)*RecordSize)
	copy(buf[0:MarketIDSize], p.Market[:])

	// Nonce big-endian in the last 8 bytes of its 32-byte field
	binary.BigEndian.PutUint64(buf[MarketIDSize+24:MarketIDSize+32], p.Nonce)

	buf[64] = p.ConstituentCount
	buf[65] = p.SrcDecimals

	off := HeaderSize
	for i, r := range p.Records {
		if r.Amount == nil || r.Amount.IsZero() {
			return nil, fmt.Errorf("record %d has zero amount", i)
		}
		if r.Amount.Gt(MaxRecordAmount) {
			return nil, fmt.Errorf("record %d amount exceeds 12-byte wire range", i)
		}
		copy(buf[off:off+AddressSize], r.Depositor[:])

		// Low 12 bytes of the 32-byte big-endian representation
		be := r.Amount.Bytes32()
		copy(buf[off+AddressSize:off+RecordSize], be[32-amountSize:])

		off += RecordSize
	}

	return buf, nil
}

// Decode parses a batch payload, validating the length arithmetic exactly.
func Decode(data []byte) (*Payload, error) {
	if len(data) < HeaderSize+RecordSize {
		return nil, fmt.Errorf("payload too short: %d bytes", len(data))
	}
	if (len(data)-HeaderSize)%RecordSize != 0 {
		return nil, fmt.Errorf("payload has trailing bytes: %d not a record multiple", len(data)-HeaderSize)
	}

	p := &Payload{}
	copy(p.Market[:], data[0:MarketIDSize])

	// Reject a nonce that does not fit the allocator's uint64 space
	for _, b := range data[MarketIDSize : MarketIDSize+24] {
		if b != 0 {
			return nil, fmt.Errorf("nonce exceeds 64-bit range")
		}
	}
	p.Nonce = binary.BigEndian.Uint64(data[MarketIDSize+24 : MarketIDSize+32])

	p.ConstituentCount = data[64]
	p.SrcDecimals = data[65]
	if p.ConstituentCount == 0 {
		return nil, fmt.Errorf("constituent count is zero")
	}

	count := (len(data) - HeaderSize) / RecordSize
	p.Records = make([]Record, 0, count)

	off := HeaderSize
	for i := 0; i < count; i++ {
		var r Record
		copy(r.Depositor[:], data[off:off+AddressSize])

		r.Amount = new(uint256.Int).SetBytes(data[off+AddressSize : off+RecordSize])
		if r.Amount.IsZero() {
			return nil, fmt.Errorf("record %d has zero amount", i)
		}

		p.Records = append(p.Records, r)
		off += RecordSize
	}

	return p, nil
}
