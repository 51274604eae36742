package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminates entries in the append-only event log.
type EventType string

const (
	EventDeposit        EventType = "Deposit"
	EventWithdraw       EventType = "Withdraw"
	EventOrderCreated   EventType = "OrderCreated"
	EventOrderCancelled EventType = "OrderCancelled"
	EventOrderFilled    EventType = "OrderFilled"
)

// Event is one entry in the ledger's event log. Sequence numbers are
// assigned monotonically starting at 1 and never reused, so callers can
// reconstruct balance and order-book state by range-scanning the log
// instead of re-querying the ledger.
//
// Field usage by type:
//
//	Deposit/Withdraw: Asset, Account, Amount, NewBalance
//	OrderCreated:     OrderHash, Maker, TokenGet(+Amount), TokenGive(+Amount)
//	OrderCancelled:   OrderHash, Maker
//	OrderFilled:      OrderHash, Maker, Filler, Amount (tokenGet paid by filler)
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"` // Unix seconds

	Asset      *common.Address `json:"asset,omitempty"`
	Account    *common.Address `json:"account,omitempty"`
	Amount     *big.Int        `json:"amount,omitempty"`
	NewBalance *big.Int        `json:"newBalance,omitempty"`

	OrderHash       *common.Hash    `json:"orderHash,omitempty"`
	Maker           *common.Address `json:"maker,omitempty"`
	Filler          *common.Address `json:"filler,omitempty"`
	TokenGet        *common.Address `json:"tokenGet,omitempty"`
	TokenGetAmount  *big.Int        `json:"tokenGetAmount,omitempty"`
	TokenGive       *common.Address `json:"tokenGive,omitempty"`
	TokenGiveAmount *big.Int        `json:"tokenGiveAmount,omitempty"`
}

func addrPtr(a common.Address) *common.Address { return &a }
func hashPtr(h common.Hash) *common.Hash       { return &h }
