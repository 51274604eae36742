package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rtkex/exchange-ledger/pkg/util"
)

// FeeDenominator fixes the fee scale: FeePPM is parts-per-million of the
// fill's tokenGet amount (FeePPM=10000 means 1%). Integer division
// truncates toward zero; the truncation remainder stays with the maker.
const FeeDenominator = 1_000_000

// Bridge moves assets between external custody and the ledger.
// Pull is the deposit direction (requires prior authorization for token
// assets; native pulls carry the operation's attached value). Push is the
// withdraw direction. Both are synchronous and complete inside the
// ledger's critical section.
type Bridge interface {
	Pull(asset, from common.Address, amount *big.Int) error
	Push(asset, to common.Address, amount *big.Int) error
}

// Ledger holds per-account per-asset balances and the order registry, and
// appends an event to its log for every state change.
//
// Every operation runs under one mutex covering balances, orders, and the
// event sequence, so the full operation set is serializable. All validation
// happens before any mutation, so an error means zero state change.
type Ledger struct {
	mu sync.Mutex

	// balances: asset → account → amount. Amounts are never negative.
	balances map[common.Address]map[common.Address]*big.Int

	// Order arena indexed by id-1 (ids are dense, assigned from 1),
	// with hash and owner lookup indexes.
	orders      []*Order
	byHash      map[common.Hash]*Order
	byOwner     map[common.Address][]*Order
	lastOrderID uint64

	lastEventSeq uint64

	store  *Store
	bridge Bridge

	// Fixed at construction, immutable thereafter.
	feeAccount common.Address
	feePPM     uint64

	clock util.Clock
	log   *zap.SugaredLogger

	subscribers []func(*Event)
}

// NewLedger builds a ledger backed by the given store and bridge, loading
// any previously persisted balances, orders, and counters.
func NewLedger(store *Store, bridge Bridge, feeAccount common.Address, feePPM uint64, clock util.Clock, logger *zap.SugaredLogger) (*Ledger, error) {
	balances, err := store.LoadBalances()
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	orders, err := store.LoadOrders()
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	lastOrderID, lastEventSeq, err := store.LoadCounters()
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}

	l := &Ledger{
		balances:     balances,
		orders:       orders,
		byHash:       make(map[common.Hash]*Order, len(orders)),
		byOwner:      make(map[common.Address][]*Order),
		lastOrderID:  lastOrderID,
		lastEventSeq: lastEventSeq,
		store:        store,
		bridge:       bridge,
		feeAccount:   feeAccount,
		feePPM:       feePPM,
		clock:        clock,
		log:          logger,
	}
	for _, ord := range orders {
		l.byHash[ord.Hash] = ord
		l.byOwner[ord.Owner] = append(l.byOwner[ord.Owner], ord)
	}
	return l, nil
}

// FeeAccount returns the account credited with fill fees.
func (l *Ledger) FeeAccount() common.Address { return l.feeAccount }

// FeePPM returns the fee numerator over FeeDenominator.
func (l *Ledger) FeePPM() uint64 { return l.feePPM }

// Subscribe registers a callback invoked for every committed event, in
// sequence order. Callbacks run inside the ledger's critical section and
// must not call back into the ledger.
func (l *Ledger) Subscribe(fn func(*Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// DepositNative credits the native-coin balance of account. The amount is
// the operation's attached value, pulled from the account's external
// native holding.
func (l *Ledger) DepositNative(account common.Address, amount *big.Int) (*Event, error) {
	return l.deposit(Native, account, amount)
}

// DepositToken credits a token balance. The account must have
// pre-authorized the ledger to move amount from its external token
// holding; the pull happens before crediting and the whole operation
// aborts if it fails.
func (l *Ledger) DepositToken(account, asset common.Address, amount *big.Int) (*Event, error) {
	return l.deposit(asset, account, amount)
}

func (l *Ledger) deposit(asset, account common.Address, amount *big.Int) (*Event, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.bridge.Pull(asset, account, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	newBal := new(big.Int).Add(l.balance(asset, account), amount)
	l.setBalance(asset, account, newBal)

	ev := l.nextEvent(EventDeposit)
	ev.Asset = addrPtr(asset)
	ev.Account = addrPtr(account)
	ev.Amount = new(big.Int).Set(amount)
	ev.NewBalance = new(big.Int).Set(newBal)

	bw := l.store.NewBatch()
	must(bw.SetBalance(asset, account, newBal))
	must(bw.AppendEvent(ev))
	l.commit(bw)

	l.notify(ev)
	l.log.Infow("deposit", "asset", asset.Hex(), "account", account.Hex(), "amount", amount.String(), "balance", newBal.String())
	return ev, nil
}

// WithdrawNative releases amount of the native coin back to the account's
// external holding.
func (l *Ledger) WithdrawNative(account common.Address, amount *big.Int) (*Event, error) {
	return l.withdraw(Native, account, amount)
}

// WithdrawToken releases amount of a token back to the account's external
// holding.
func (l *Ledger) WithdrawToken(account, asset common.Address, amount *big.Int) (*Event, error) {
	return l.withdraw(asset, account, amount)
}

func (l *Ledger) withdraw(asset, account common.Address, amount *big.Int) (*Event, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(asset, account)
	if bal.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal.String(), amount.String())
	}

	// Debit before the external transfer so any observer of the balance
	// during the transfer sees the reduced value.
	newBal := new(big.Int).Sub(bal, amount)
	l.setBalance(asset, account, newBal)

	if err := l.bridge.Push(asset, account, amount); err != nil {
		// Restore the debit: the operation aborts with zero net change.
		l.setBalance(asset, account, bal)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	ev := l.nextEvent(EventWithdraw)
	ev.Asset = addrPtr(asset)
	ev.Account = addrPtr(account)
	ev.Amount = new(big.Int).Set(amount)
	ev.NewBalance = new(big.Int).Set(newBal)

	bw := l.store.NewBatch()
	must(bw.SetBalance(asset, account, newBal))
	must(bw.AppendEvent(ev))
	l.commit(bw)

	l.notify(ev)
	l.log.Infow("withdraw", "asset", asset.Hex(), "account", account.Hex(), "amount", amount.String(), "balance", newBal.String())
	return ev, nil
}

// BalanceOf returns the current balance. Read-only, never fails; unknown
// (asset, account) pairs read as zero.
func (l *Ledger) BalanceOf(asset, account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(asset, account))
}

// TotalBalance returns the sum of all account balances for an asset.
// With no funds locked by open orders, this equals cumulative deposits
// minus cumulative withdrawals for the asset.
func (l *Ledger) TotalBalance(asset common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(big.Int)
	for _, bal := range l.balances[asset] {
		total.Add(total, bal)
	}
	return total
}

// MakeOrder registers a new order owned by account. No funds are locked or
// checked at creation: sufficiency of the maker's tokenGive balance is
// enforced only when the order is filled. Returns a copy of the stored
// order carrying its identity hash.
func (l *Ledger) MakeOrder(account, tokenGet common.Address, tokenGetAmount *big.Int, tokenGive common.Address, tokenGiveAmount *big.Int) (*Order, error) {
	if tokenGetAmount == nil || tokenGetAmount.Sign() < 0 || tokenGiveAmount == nil || tokenGiveAmount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.lastOrderID + 1
	ts := l.clock.Now().Unix()
	ord := &Order{
		ID:              id,
		Owner:           account,
		TokenGet:        tokenGet,
		TokenGetAmount:  new(big.Int).Set(tokenGetAmount),
		TokenGive:       tokenGive,
		TokenGiveAmount: new(big.Int).Set(tokenGiveAmount),
		Timestamp:       ts,
	}
	ord.Hash = HashOrder(id, account, tokenGet, ord.TokenGetAmount, tokenGive, ord.TokenGiveAmount, ts)

	l.lastOrderID = id
	l.orders = append(l.orders, ord)
	l.byHash[ord.Hash] = ord
	l.byOwner[account] = append(l.byOwner[account], ord)

	ev := l.nextEvent(EventOrderCreated)
	ev.OrderHash = hashPtr(ord.Hash)
	ev.Maker = addrPtr(account)
	ev.TokenGet = addrPtr(tokenGet)
	ev.TokenGetAmount = new(big.Int).Set(tokenGetAmount)
	ev.TokenGive = addrPtr(tokenGive)
	ev.TokenGiveAmount = new(big.Int).Set(tokenGiveAmount)
	ev.Timestamp = ts

	bw := l.store.NewBatch()
	must(bw.SetOrder(ord))
	must(bw.SetLastOrderID(id))
	must(bw.AppendEvent(ev))
	l.commit(bw)

	l.notify(ev)
	l.log.Infow("order_created", "id", id, "hash", ord.Hash.Hex(), "owner", account.Hex())
	cp := *ord
	return &cp, nil
}

// CancelOrder marks an open order cancelled. Only the owner may cancel;
// cancellation is terminal and irreversible.
func (l *Ledger) CancelOrder(account common.Address, hash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ord, err := l.openOrder(hash)
	if err != nil {
		return err
	}
	if ord.Owner != account {
		return fmt.Errorf("%w: order %s belongs to %s", ErrNotOwner, hash.Hex(), ord.Owner.Hex())
	}

	ord.Cancelled = true

	ev := l.nextEvent(EventOrderCancelled)
	ev.OrderHash = hashPtr(hash)
	ev.Maker = addrPtr(ord.Owner)

	bw := l.store.NewBatch()
	must(bw.SetOrder(ord))
	must(bw.AppendEvent(ev))
	l.commit(bw)

	l.notify(ev)
	l.log.Infow("order_cancelled", "hash", hash.Hex(), "owner", account.Hex())
	return nil
}

// FillOrder settles an open order against the calling account: the filler
// pays the full tokenGet amount, the maker receives it minus the fee, the
// fee account receives the fee, and the maker's tokenGive amount moves to
// the filler. All four balance mutations apply atomically or not at all.
func (l *Ledger) FillOrder(account common.Address, hash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ord, err := l.openOrder(hash)
	if err != nil {
		return err
	}

	// All checks before any mutation: a failed fill leaves the order open
	// and every balance untouched.
	fillerGet := l.balance(ord.TokenGet, account)
	if fillerGet.Cmp(ord.TokenGetAmount) < 0 {
		return fmt.Errorf("%w: filler has %s of %s, order needs %s",
			ErrInsufficientBalance, fillerGet.String(), ord.TokenGet.Hex(), ord.TokenGetAmount.String())
	}
	makerGive := l.balance(ord.TokenGive, ord.Owner)
	if makerGive.Cmp(ord.TokenGiveAmount) < 0 {
		return fmt.Errorf("%w: maker has %s of %s, order needs %s",
			ErrInsufficientBalance, makerGive.String(), ord.TokenGive.Hex(), ord.TokenGiveAmount.String())
	}

	fee := l.fee(ord.TokenGetAmount)
	makerGets := new(big.Int).Sub(ord.TokenGetAmount, fee)

	l.debit(ord.TokenGet, account, ord.TokenGetAmount)
	l.credit(ord.TokenGet, ord.Owner, makerGets)
	l.credit(ord.TokenGet, l.feeAccount, fee)
	l.debit(ord.TokenGive, ord.Owner, ord.TokenGiveAmount)
	l.credit(ord.TokenGive, account, ord.TokenGiveAmount)

	ord.Filled = true

	ev := l.nextEvent(EventOrderFilled)
	ev.OrderHash = hashPtr(hash)
	ev.Maker = addrPtr(ord.Owner)
	ev.Filler = addrPtr(account)
	ev.Amount = new(big.Int).Set(ord.TokenGetAmount)

	bw := l.store.NewBatch()
	must(bw.SetBalance(ord.TokenGet, account, l.balance(ord.TokenGet, account)))
	must(bw.SetBalance(ord.TokenGet, ord.Owner, l.balance(ord.TokenGet, ord.Owner)))
	must(bw.SetBalance(ord.TokenGet, l.feeAccount, l.balance(ord.TokenGet, l.feeAccount)))
	must(bw.SetBalance(ord.TokenGive, ord.Owner, l.balance(ord.TokenGive, ord.Owner)))
	must(bw.SetBalance(ord.TokenGive, account, l.balance(ord.TokenGive, account)))
	must(bw.SetOrder(ord))
	must(bw.AppendEvent(ev))
	l.commit(bw)

	l.notify(ev)
	l.log.Infow("order_filled", "hash", hash.Hex(), "maker", ord.Owner.Hex(), "filler", account.Hex(), "fee", fee.String())
	return nil
}

// GetOrder returns a copy of the order with the given hash.
func (l *Ledger) GetOrder(hash common.Hash) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ord, ok := l.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, hash.Hex())
	}
	cp := *ord
	return &cp, nil
}

// OrderExists reports whether an order with the given hash is registered.
func (l *Ledger) OrderExists(hash common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byHash[hash]
	return ok
}

// OrdersByOwner returns copies of every order created by owner, in
// creation order.
func (l *Ledger) OrdersByOwner(owner common.Address) []*Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	owned := l.byOwner[owner]
	out := make([]*Order, len(owned))
	for i, ord := range owned {
		cp := *ord
		out[i] = &cp
	}
	return out
}

// Events returns the event log entries with from ≤ seq ≤ to, in sequence
// order. A zero "to" reads to the end of the log.
func (l *Ledger) Events(from, to uint64) ([]*Event, error) {
	return l.store.Events(from, to)
}

// LastEventSeq returns the sequence number of the most recent event.
func (l *Ledger) LastEventSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEventSeq
}

// ---- internals (caller holds l.mu) ----

func (l *Ledger) balance(asset, account common.Address) *big.Int {
	if byAccount, ok := l.balances[asset]; ok {
		if bal, ok := byAccount[account]; ok {
			return bal
		}
	}
	return new(big.Int)
}

func (l *Ledger) setBalance(asset, account common.Address, amount *big.Int) {
	byAccount, ok := l.balances[asset]
	if !ok {
		byAccount = make(map[common.Address]*big.Int)
		l.balances[asset] = byAccount
	}
	byAccount[account] = amount
}

func (l *Ledger) credit(asset, account common.Address, amount *big.Int) {
	l.setBalance(asset, account, new(big.Int).Add(l.balance(asset, account), amount))
}

func (l *Ledger) debit(asset, account common.Address, amount *big.Int) {
	l.setBalance(asset, account, new(big.Int).Sub(l.balance(asset, account), amount))
}

// fee computes amount × feePPM / FeeDenominator, truncating toward zero.
func (l *Ledger) fee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(l.feePPM))
	return fee.Quo(fee, big.NewInt(FeeDenominator))
}

// openOrder looks up an order and rejects terminal ones.
func (l *Ledger) openOrder(hash common.Hash) (*Order, error) {
	ord, ok := l.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, hash.Hex())
	}
	if ord.Filled {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFilled, hash.Hex())
	}
	if ord.Cancelled {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCancelled, hash.Hex())
	}
	return ord, nil
}

func (l *Ledger) nextEvent(t EventType) *Event {
	l.lastEventSeq++
	return &Event{
		Seq:       l.lastEventSeq,
		Type:      t,
		Timestamp: l.clock.Now().Unix(),
	}
}

func (l *Ledger) notify(ev *Event) {
	for _, fn := range l.subscribers {
		fn(ev)
	}
}

// commit flushes one operation's batch. The in-memory state was already
// mutated under the lock; a storage write failure here means the database
// is broken and the process cannot continue consistently.
func (l *Ledger) commit(bw *BatchWrite) {
	if err := bw.Commit(); err != nil {
		panic(fmt.Errorf("ledger batch commit: %w", err))
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
