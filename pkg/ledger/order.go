package ledger

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Native is the reserved asset id for the native coin, distinct from every
// token address.
var Native = common.Address{}

// Order is a swap offer: the owner asks for TokenGetAmount of TokenGet in
// exchange for TokenGiveAmount of TokenGive. Creation does not lock funds;
// the maker's TokenGive balance is checked only when someone fills
// (optimistic order). The struct is immutable after creation except for the
// two terminal flags.
type Order struct {
	ID              uint64         `json:"id"`
	Owner           common.Address `json:"owner"`
	TokenGet        common.Address `json:"tokenGet"`
	TokenGetAmount  *big.Int       `json:"tokenGetAmount"`
	TokenGive       common.Address `json:"tokenGive"`
	TokenGiveAmount *big.Int       `json:"tokenGiveAmount"`
	Timestamp       int64          `json:"timestamp"` // Unix seconds at creation

	Filled    bool `json:"filled"`
	Cancelled bool `json:"cancelled"`

	// Identity hash over the immutable fields above, computed once at
	// creation. External callers cancel and fill by this hash, never by ID.
	Hash common.Hash `json:"hash"`
}

// IsClosed reports whether the order reached a terminal state.
// Open → {Filled | Cancelled}; both are terminal.
func (o *Order) IsClosed() bool {
	return o.Filled || o.Cancelled
}

// Status returns the lifecycle state as a string for logs and API payloads.
func (o *Order) Status() string {
	switch {
	case o.Filled:
		return "filled"
	case o.Cancelled:
		return "cancelled"
	default:
		return "open"
	}
}

// HashOrder computes the order identity hash: keccak256 over the tightly
// packed creation fields (id, owner, tokenGet, tokenGetAmount, tokenGive,
// tokenGiveAmount, timestamp). Amounts are 32-byte big-endian words,
// id and timestamp 8-byte big-endian.
func HashOrder(id uint64, owner, tokenGet common.Address, tokenGetAmount *big.Int, tokenGive common.Address, tokenGiveAmount *big.Int, timestamp int64) common.Hash {
	buf := make([]byte, 0, 8+20+20+32+20+32+8)

	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	buf = append(buf, idb[:]...)

	buf = append(buf, owner.Bytes()...)
	buf = append(buf, tokenGet.Bytes()...)
	buf = append(buf, math.PaddedBigBytes(tokenGetAmount, 32)...)
	buf = append(buf, tokenGive.Bytes()...)
	buf = append(buf, math.PaddedBigBytes(tokenGiveAmount, 32)...)

	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(timestamp))
	buf = append(buf, tsb[:]...)

	return crypto.Keccak256Hash(buf)
}
