package ledger_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rtkex/exchange-ledger/pkg/bridge"
	"github.com/rtkex/exchange-ledger/pkg/ledger"
	"github.com/rtkex/exchange-ledger/pkg/util"
)

var (
	alice      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob        = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	feeAccount = common.HexToAddress("0xFEE0000000000000000000000000000000000000")
	rtk        = bridge.TokenAddress("RTK")
)

const feePPM = 10000 // 1%

type testEnv struct {
	ledger *ledger.Ledger
	bank   *bridge.Bank
	clock  *util.FixedClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := ledger.NewStore(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bank := bridge.NewBank()
	clock := &util.FixedClock{T: time.Unix(1700000000, 0)}

	l, err := ledger.NewLedger(store, bank, feeAccount, feePPM, clock, util.NopSugar())
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return &testEnv{ledger: l, bank: bank, clock: clock}
}

// ether converts whole coins to 18-decimal base units.
func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// fund mints an external holding and, for token assets, approves the
// ledger before depositing the full amount.
func (e *testEnv) fund(t *testing.T, account, asset common.Address, amount *big.Int) {
	t.Helper()
	e.bank.Mint(asset, account, amount)

	var err error
	if asset == ledger.Native {
		_, err = e.ledger.DepositNative(account, amount)
	} else {
		e.bank.Approve(asset, account, amount)
		_, err = e.ledger.DepositToken(account, asset, amount)
	}
	if err != nil {
		t.Fatalf("fund %s: %v", account.Hex(), err)
	}
}

func checkBalance(t *testing.T, l *ledger.Ledger, asset, account common.Address, want *big.Int) {
	t.Helper()
	got := l.BalanceOf(asset, account)
	if got.Cmp(want) != 0 {
		t.Errorf("balance[%s][%s] = %s, want %s", asset.Hex(), account.Hex(), got.String(), want.String())
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.bank.Mint(ledger.Native, alice, ether(5))

	if _, err := e.ledger.DepositNative(alice, ether(2)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	checkBalance(t, e.ledger, ledger.Native, alice, ether(2))
	if got := e.bank.Holding(ledger.Native, alice); got.Cmp(ether(3)) != 0 {
		t.Errorf("external holding = %s, want %s", got, ether(3))
	}

	if _, err := e.ledger.WithdrawNative(alice, ether(2)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	checkBalance(t, e.ledger, ledger.Native, alice, big.NewInt(0))
	if got := e.bank.Holding(ledger.Native, alice); got.Cmp(ether(5)) != 0 {
		t.Errorf("external holding after round trip = %s, want %s", got, ether(5))
	}
}

func TestDepositTokenRequiresAllowance(t *testing.T) {
	e := newTestEnv(t)
	e.bank.Mint(rtk, alice, ether(100))

	// No approval: pull fails, nothing credited.
	_, err := e.ledger.DepositToken(alice, rtk, ether(50))
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	checkBalance(t, e.ledger, rtk, alice, big.NewInt(0))

	e.bank.Approve(rtk, alice, ether(50))
	if _, err := e.ledger.DepositToken(alice, rtk, ether(50)); err != nil {
		t.Fatalf("deposit after approve failed: %v", err)
	}
	checkBalance(t, e.ledger, rtk, alice, ether(50))

	// Allowance consumed: a second pull fails.
	_, err = e.ledger.DepositToken(alice, rtk, ether(1))
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed after allowance spent, got %v", err)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, ledger.Native, ether(1))

	holdingBefore := e.bank.Holding(ledger.Native, alice)

	_, err := e.ledger.WithdrawNative(alice, ether(2))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Balance unchanged, no external transfer attempted.
	checkBalance(t, e.ledger, ledger.Native, alice, ether(1))
	if got := e.bank.Holding(ledger.Native, alice); got.Cmp(holdingBefore) != 0 {
		t.Errorf("external holding changed on failed withdraw: %s", got)
	}
}

// pushRejectingBridge accepts every pull but refuses every push, standing
// in for an external transfer that fails after funds are on the ledger.
type pushRejectingBridge struct{}

func (pushRejectingBridge) Pull(asset, from common.Address, amount *big.Int) error { return nil }
func (pushRejectingBridge) Push(asset, to common.Address, amount *big.Int) error {
	return errors.New("push rejected")
}

func TestWithdrawRollbackOnTransferFailure(t *testing.T) {
	store, err := ledger.NewStore(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &util.FixedClock{T: time.Unix(1700000000, 0)}
	l, err := ledger.NewLedger(store, pushRejectingBridge{}, feeAccount, feePPM, clock, util.NopSugar())
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}

	if _, err := l.DepositNative(alice, ether(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	seqBefore := l.LastEventSeq()

	// The balance check passes, the debit applies, then the external push
	// fails: the operation must restore the debit and commit nothing.
	_, err = l.WithdrawNative(alice, ether(1))
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	checkBalance(t, l, ledger.Native, alice, ether(2))
	if got := l.LastEventSeq(); got != seqBefore {
		t.Errorf("event seq advanced on failed withdraw: %d, want %d", got, seqBefore)
	}
	events, err := l.Events(0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != ledger.EventDeposit {
		t.Errorf("event log = %+v, want only the deposit", events)
	}
}

func TestZeroDepositIsNoOpSuccess(t *testing.T) {
	e := newTestEnv(t)

	ev, err := e.ledger.DepositNative(alice, big.NewInt(0))
	if err != nil {
		t.Fatalf("zero deposit should succeed: %v", err)
	}
	if ev.NewBalance.Sign() != 0 {
		t.Errorf("new balance = %s, want 0", ev.NewBalance)
	}
	checkBalance(t, e.ledger, ledger.Native, alice, big.NewInt(0))
}

func TestFeeTruncation(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, rtk, ether(200))
	e.fund(t, bob, ledger.Native, big.NewInt(2_000_000))

	// tokenGetAmount=1,000,000 at 10,000 ppm (1%): fee 10,000,
	// maker 990,000, filler pays exactly 1,000,000.
	ord, err := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1_000_000), rtk, ether(100))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.ledger.FillOrder(bob, ord.Hash); err != nil {
		t.Fatalf("fill order: %v", err)
	}

	checkBalance(t, e.ledger, ledger.Native, alice, big.NewInt(990_000))
	checkBalance(t, e.ledger, ledger.Native, feeAccount, big.NewInt(10_000))
	checkBalance(t, e.ledger, ledger.Native, bob, big.NewInt(1_000_000))
	checkBalance(t, e.ledger, rtk, alice, ether(100))
	checkBalance(t, e.ledger, rtk, bob, ether(100))
}

func TestFillSettlement(t *testing.T) {
	e := newTestEnv(t)

	// Scenario: both sides funded with 2 native and 200 RTK; alice offers
	// 100 RTK for 0.1 native; bob fills.
	tenth := big.NewInt(1e17)
	for _, acct := range []common.Address{alice, bob} {
		e.fund(t, acct, ledger.Native, ether(2))
		e.fund(t, acct, rtk, ether(200))
	}

	ord, err := e.ledger.MakeOrder(alice, ledger.Native, tenth, rtk, ether(100))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.ledger.FillOrder(bob, ord.Hash); err != nil {
		t.Fatalf("fill order: %v", err)
	}

	fee := big.NewInt(1e15) // 1% of 0.1
	aliceNative := new(big.Int).Add(ether(2), big.NewInt(99e15))
	bobNative := new(big.Int).Sub(ether(2), tenth)

	checkBalance(t, e.ledger, rtk, alice, ether(100))
	checkBalance(t, e.ledger, rtk, bob, ether(300))
	checkBalance(t, e.ledger, ledger.Native, alice, aliceNative)
	checkBalance(t, e.ledger, ledger.Native, bob, bobNative)
	checkBalance(t, e.ledger, ledger.Native, feeAccount, fee)

	got, err := e.ledger.GetOrder(ord.Hash)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.Filled || got.Cancelled {
		t.Errorf("order state = %s, want filled", got.Status())
	}
}

func TestCancelBlocksFill(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, bob, ledger.Native, ether(1))

	before := e.ledger.BalanceOf(rtk, alice)

	// Creation locks nothing, so alice needs no balance at all.
	ord, err := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(100))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.ledger.CancelOrder(alice, ord.Hash); err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	err = e.ledger.FillOrder(bob, ord.Hash)
	if !errors.Is(err, ledger.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}

	checkBalance(t, e.ledger, rtk, alice, before)
}

func TestOptimisticOrderCheckedAtFill(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, bob, ledger.Native, ether(1))

	// Alice offers 100 RTK she does not hold.
	ord, err := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(100))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}

	err = e.ledger.FillOrder(bob, ord.Hash)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No party's balance moved and the order is still open.
	checkBalance(t, e.ledger, ledger.Native, bob, ether(1))
	checkBalance(t, e.ledger, ledger.Native, alice, big.NewInt(0))
	checkBalance(t, e.ledger, ledger.Native, feeAccount, big.NewInt(0))
	got, _ := e.ledger.GetOrder(ord.Hash)
	if got.IsClosed() {
		t.Fatalf("order should remain open after failed fill, got %s", got.Status())
	}

	// Funding arrives later: the same order becomes fillable.
	e.fund(t, alice, rtk, ether(100))
	if err := e.ledger.FillOrder(bob, ord.Hash); err != nil {
		t.Fatalf("fill after funding: %v", err)
	}
	checkBalance(t, e.ledger, rtk, bob, ether(100))
}

func TestTerminalTransitionsAreIdempotentFailures(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, rtk, ether(100))
	e.fund(t, bob, ledger.Native, ether(1))

	cancelled, _ := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(10))
	filled, _ := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(10))

	if err := e.ledger.CancelOrder(bob, cancelled.Hash); !errors.Is(err, ledger.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign cancel, got %v", err)
	}
	if err := e.ledger.CancelOrder(alice, cancelled.Hash); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.ledger.CancelOrder(alice, cancelled.Hash); !errors.Is(err, ledger.ErrAlreadyCancelled) {
		t.Fatalf("second cancel: expected ErrAlreadyCancelled, got %v", err)
	}
	if err := e.ledger.FillOrder(bob, cancelled.Hash); !errors.Is(err, ledger.ErrAlreadyCancelled) {
		t.Fatalf("fill after cancel: expected ErrAlreadyCancelled, got %v", err)
	}

	if err := e.ledger.FillOrder(bob, filled.Hash); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := e.ledger.FillOrder(bob, filled.Hash); !errors.Is(err, ledger.ErrAlreadyFilled) {
		t.Fatalf("second fill: expected ErrAlreadyFilled, got %v", err)
	}
	if err := e.ledger.CancelOrder(alice, filled.Hash); !errors.Is(err, ledger.ErrAlreadyFilled) {
		t.Fatalf("cancel after fill: expected ErrAlreadyFilled, got %v", err)
	}

	unknown := common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000000")
	if err := e.ledger.FillOrder(bob, unknown); !errors.Is(err, ledger.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSelfFillPermitted(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, ledger.Native, ether(1))
	e.fund(t, alice, rtk, ether(100))

	// No self-fill guard: filling your own order nets out to paying
	// only the fee.
	ord, err := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(100))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.ledger.FillOrder(alice, ord.Hash); err != nil {
		t.Fatalf("self fill: %v", err)
	}

	fee := big.NewInt(1e15) // 1% of 0.1
	checkBalance(t, e.ledger, ledger.Native, alice, new(big.Int).Sub(ether(1), fee))
	checkBalance(t, e.ledger, ledger.Native, feeAccount, fee)
	checkBalance(t, e.ledger, rtk, alice, ether(100))
}

func TestConservation(t *testing.T) {
	e := newTestEnv(t)
	for _, acct := range []common.Address{alice, bob} {
		e.fund(t, acct, ledger.Native, ether(3))
		e.fund(t, acct, rtk, ether(300))
	}

	ord1, _ := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(25e16), rtk, ether(50))
	ord2, _ := e.ledger.MakeOrder(bob, rtk, ether(40), ledger.Native, big.NewInt(1e17))
	if err := e.ledger.FillOrder(bob, ord1.Hash); err != nil {
		t.Fatalf("fill ord1: %v", err)
	}
	if err := e.ledger.FillOrder(alice, ord2.Hash); err != nil {
		t.Fatalf("fill ord2: %v", err)
	}
	if _, err := e.ledger.WithdrawNative(bob, ether(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// Fills move value between accounts (fee account included) but never
	// create or destroy it: totals equal net deposits.
	wantNative := new(big.Int).Sub(ether(6), ether(1))
	if got := e.ledger.TotalBalance(ledger.Native); got.Cmp(wantNative) != 0 {
		t.Errorf("native total = %s, want %s", got, wantNative)
	}
	if got := e.ledger.TotalBalance(rtk); got.Cmp(ether(600)) != 0 {
		t.Errorf("rtk total = %s, want %s", got, ether(600))
	}
}

func TestOrderLookupByHash(t *testing.T) {
	e := newTestEnv(t)

	ord, err := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(100))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}

	if !e.ledger.OrderExists(ord.Hash) {
		t.Error("OrderExists = false for registered order")
	}

	got, err := e.ledger.GetOrder(ord.Hash)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.ID != 1 || got.Owner != alice || got.Timestamp != e.clock.T.Unix() {
		t.Errorf("unexpected order record: %+v", got)
	}

	// The stored hash matches a recomputation over the creation fields.
	recomputed := ledger.HashOrder(got.ID, got.Owner, got.TokenGet, got.TokenGetAmount, got.TokenGive, got.TokenGiveAmount, got.Timestamp)
	if recomputed != ord.Hash {
		t.Errorf("hash mismatch: stored %s, recomputed %s", ord.Hash.Hex(), recomputed.Hex())
	}

	if e.ledger.OrderExists(common.Hash{}) {
		t.Error("OrderExists = true for unknown hash")
	}

	owned := e.ledger.OrdersByOwner(alice)
	if len(owned) != 1 || owned[0].Hash != ord.Hash {
		t.Errorf("OrdersByOwner = %+v, want the one created order", owned)
	}
}

func TestOrderHashesDifferAcrossIDs(t *testing.T) {
	e := newTestEnv(t)

	// Identical fields, sequential ids: distinct hashes.
	a, _ := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(100))
	b, _ := e.ledger.MakeOrder(alice, ledger.Native, big.NewInt(1e17), rtk, ether(100))
	if a.Hash == b.Hash {
		t.Fatalf("orders with distinct ids share hash %s", a.Hash.Hex())
	}
	if a.ID+1 != b.ID {
		t.Errorf("ids not sequential: %d, %d", a.ID, b.ID)
	}
}

func TestEventLogRangeQuery(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, ledger.Native, ether(2))                                    // seq 1
	ord, _ := e.ledger.MakeOrder(alice, rtk, ether(10), ledger.Native, ether(1)) // seq 2
	e.ledger.CancelOrder(alice, ord.Hash)                                        // seq 3
	e.ledger.WithdrawNative(alice, ether(1))                                     // seq 4

	events, err := e.ledger.Events(0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("event count = %d, want 4", len(events))
	}
	wantTypes := []ledger.EventType{
		ledger.EventDeposit,
		ledger.EventOrderCreated,
		ledger.EventOrderCancelled,
		ledger.EventWithdraw,
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d: seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d: type = %s, want %s", i, ev.Type, wantTypes[i])
		}
	}

	mid, err := e.ledger.Events(2, 3)
	if err != nil {
		t.Fatalf("range events: %v", err)
	}
	if len(mid) != 2 || mid[0].Seq != 2 || mid[1].Seq != 3 {
		t.Errorf("range query returned %+v, want seqs 2..3", mid)
	}
	if mid[0].OrderHash == nil || *mid[0].OrderHash != ord.Hash {
		t.Errorf("OrderCreated event missing hash")
	}

	if got := e.ledger.LastEventSeq(); got != 4 {
		t.Errorf("LastEventSeq = %d, want 4", got)
	}
}

func TestRecoveryFromStore(t *testing.T) {
	dbPath := t.TempDir() + "/ledger.db"
	bank := bridge.NewBank()
	clock := &util.FixedClock{T: time.Unix(1700000000, 0)}

	store, err := ledger.NewStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l, err := ledger.NewLedger(store, bank, feeAccount, feePPM, clock, util.NopSugar())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	bank.Mint(ledger.Native, alice, ether(3))
	if _, err := l.DepositNative(alice, ether(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	open, _ := l.MakeOrder(alice, rtk, ether(10), ledger.Native, ether(1))
	done, _ := l.MakeOrder(alice, rtk, ether(20), ledger.Native, ether(2))
	if err := l.CancelOrder(alice, done.Hash); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Reopen: balances, orders, terminal flags, and counters all survive.
	store2, err := ledger.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()
	l2, err := ledger.NewLedger(store2, bank, feeAccount, feePPM, clock, util.NopSugar())
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}

	checkBalance(t, l2, ledger.Native, alice, ether(3))

	reopened, err := l2.GetOrder(open.Hash)
	if err != nil {
		t.Fatalf("get open order after recovery: %v", err)
	}
	if reopened.IsClosed() {
		t.Errorf("open order came back %s", reopened.Status())
	}
	recancelled, err := l2.GetOrder(done.Hash)
	if err != nil {
		t.Fatalf("get cancelled order after recovery: %v", err)
	}
	if !recancelled.Cancelled {
		t.Error("cancelled flag lost across restart")
	}

	if got := l2.LastEventSeq(); got != 4 {
		t.Errorf("LastEventSeq after recovery = %d, want 4", got)
	}
	next, err := l2.MakeOrder(bob, rtk, ether(1), ledger.Native, ether(1))
	if err != nil {
		t.Fatalf("make order after recovery: %v", err)
	}
	if next.ID != 3 {
		t.Errorf("order id after recovery = %d, want 3 (ids never reused)", next.ID)
	}

	events, err := l2.Events(0, 0)
	if err != nil {
		t.Fatalf("events after recovery: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("event log length after recovery = %d, want 5", len(events))
	}
}
