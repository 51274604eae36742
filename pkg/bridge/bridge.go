// Package bridge models the external side of asset custody: the token
// contracts and native-coin holdings the ledger pulls deposits from and
// pushes withdrawals to.
package bridge

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/rtkex/exchange-ledger/pkg/ledger"
)

var (
	ErrInsufficientHolding   = errors.New("insufficient external holding")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Bank is an in-memory asset bank implementing ledger.Bridge.
//
// Token pulls follow the approve/transferFrom flow: the holder grants the
// ledger an allowance per asset, and each pull consumes it. Native pulls
// need no allowance; the amount is the operation's attached value, taken
// straight from the holder's native balance.
type Bank struct {
	mu         sync.Mutex
	holdings   map[common.Address]map[common.Address]*big.Int // asset → holder → amount
	allowances map[common.Address]map[common.Address]*big.Int // asset → holder → approved to ledger
	custody    map[common.Address]*big.Int                    // asset → total held by ledger
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		holdings:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		custody:    make(map[common.Address]*big.Int),
	}
}

// Mint credits an external holding out of thin air. Test and devnet
// funding only.
func (b *Bank) Mint(asset, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set(b.holdings, asset, holder, new(big.Int).Add(get(b.holdings, asset, holder), amount))
}

// Approve grants the ledger an allowance to pull up to amount of asset
// from holder. Replaces any previous allowance, like ERC-20 approve.
func (b *Bank) Approve(asset, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set(b.allowances, asset, holder, new(big.Int).Set(amount))
}

// Holding returns holder's external balance of asset.
func (b *Bank) Holding(asset, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(get(b.holdings, asset, holder))
}

// Allowance returns the remaining amount the ledger may pull from holder.
func (b *Bank) Allowance(asset, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(get(b.allowances, asset, holder))
}

// Custody returns the total amount of asset held on behalf of the ledger.
func (b *Bank) Custody(asset common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.custody[asset]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

// Pull moves amount of asset from the holder's external balance into
// ledger custody. Token assets additionally consume allowance.
func (b *Bank) Pull(asset, from common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := get(b.holdings, asset, from)
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientHolding, held.String(), amount.String())
	}

	if asset != ledger.Native {
		allowed := get(b.allowances, asset, from)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowed.String(), amount.String())
		}
		set(b.allowances, asset, from, new(big.Int).Sub(allowed, amount))
	}

	set(b.holdings, asset, from, new(big.Int).Sub(held, amount))
	b.custody[asset] = new(big.Int).Add(b.custodyLocked(asset), amount)
	return nil
}

// Push releases amount of asset from ledger custody back to the holder's
// external balance.
func (b *Bank) Push(asset, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.custodyLocked(asset)
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody has %s, need %s", ErrInsufficientHolding, held.String(), amount.String())
	}

	b.custody[asset] = new(big.Int).Sub(held, amount)
	set(b.holdings, asset, to, new(big.Int).Add(get(b.holdings, asset, to), amount))
	return nil
}

func (b *Bank) custodyLocked(asset common.Address) *big.Int {
	if c, ok := b.custody[asset]; ok {
		return c
	}
	return new(big.Int)
}

var _ ledger.Bridge = (*Bank)(nil)

// TokenAddress derives a deterministic asset address from a token symbol:
// the last 20 bytes of keccak256(symbol). Tools and tests use it so the
// same symbol always names the same asset.
func TokenAddress(symbol string) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(symbol))
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:])
}

func get(m map[common.Address]map[common.Address]*big.Int, asset, holder common.Address) *big.Int {
	if byHolder, ok := m[asset]; ok {
		if v, ok := byHolder[holder]; ok {
			return v
		}
	}
	return new(big.Int)
}

func set(m map[common.Address]map[common.Address]*big.Int, asset, holder common.Address, v *big.Int) {
	byHolder, ok := m[asset]
	if !ok {
		byHolder = make(map[common.Address]*big.Int)
		m[asset] = byHolder
	}
	byHolder[holder] = v
}
