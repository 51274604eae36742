package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides Pebble-based persistence for balances, orders, and the
// event log. Thread-safe: all writes go through the Ledger's mutex, and
// every state-changing operation commits one atomic batch.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:          32 << 20,                  // 32MB memtable
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadBalances loads every persisted balance into a nested map
// asset → account → amount.
func (s *Store) LoadBalances() (map[common.Address]map[common.Address]*big.Int, error) {
	prefix := balancePrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance iterator: %w", err)
	}
	defer iter.Close()

	balances := make(map[common.Address]map[common.Address]*big.Int)
	for iter.First(); iter.Valid(); iter.Next() {
		asset, account, err := balanceKeyFromBytes(iter.Key())
		if err != nil {
			continue // Skip invalid entries
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok {
			continue
		}
		byAccount, exists := balances[asset]
		if !exists {
			byAccount = make(map[common.Address]*big.Int)
			balances[asset] = byAccount
		}
		byAccount[account] = amount
	}

	return balances, nil
}

// LoadOrders loads every persisted order, sorted by id ascending.
// Order ids are dense (assigned sequentially, never deleted), so the
// result slice doubles as the in-memory arena.
func (s *Store) LoadOrders() ([]*Order, error) {
	prefix := orderPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var ord Order
		if err := json.Unmarshal(iter.Value(), &ord); err != nil {
			continue // Skip invalid entries
		}
		orders = append(orders, &ord)
	}

	// Keys are hash-ordered; the arena wants id order.
	sortOrdersByID(orders)
	return orders, nil
}

func sortOrdersByID(orders []*Order) {
	// Insertion sort: order counts are small and the slice is nearly
	// sorted only in the trivial cases, so keep it simple.
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j-1].ID > orders[j].ID; j-- {
			orders[j-1], orders[j] = orders[j], orders[j-1]
		}
	}
}

// LoadCounters returns the last assigned order id and event sequence.
// Both are zero on a fresh database.
func (s *Store) LoadCounters() (lastOrderID, lastEventSeq uint64, err error) {
	lastOrderID, err = s.loadCounter([]byte(keyLastOrderID))
	if err != nil {
		return 0, 0, err
	}
	lastEventSeq, err = s.loadCounter([]byte(keyLastEventSeq))
	if err != nil {
		return 0, 0, err
	}
	return lastOrderID, lastEventSeq, nil
}

func (s *Store) loadCounter(key []byte) (uint64, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	defer closer.Close()

	if len(data) != 8 {
		return 0, fmt.Errorf("invalid counter value length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Events reads event log entries with from ≤ seq ≤ to, in sequence order.
// A zero "to" means "to the end of the log".
func (s *Store) Events(from, to uint64) ([]*Event, error) {
	if from == 0 {
		from = 1
	}
	lower := eventKey(from)
	var upper []byte
	if to == 0 {
		upper = keyUpperBound([]byte(prefixEvent))
	} else {
		upper = eventKey(to + 1)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event iterator: %w", err)
	}
	defer iter.Close()

	var events []*Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}

	return events, nil
}

// BatchWrite accumulates one operation's writes and commits them
// atomically. All balance mutations, the order record, the event, and the
// advanced counters land together or not at all.
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer.
func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// SetBalance adds a balance write to the batch.
func (bw *BatchWrite) SetBalance(asset, account common.Address, amount *big.Int) error {
	return bw.batch.Set(balanceKey(asset, account), []byte(amount.String()), nil)
}

// SetOrder adds an order record plus its owner index entry to the batch.
func (bw *BatchWrite) SetOrder(ord *Order) error {
	data, err := json.Marshal(ord)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := bw.batch.Set(orderKey(ord.Hash), data, nil); err != nil {
		return err
	}
	return bw.batch.Set(ownerKey(ord.Owner, ord.Hash), nil, nil)
}

// AppendEvent adds an event log entry and the advanced sequence counter.
func (bw *BatchWrite) AppendEvent(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := bw.batch.Set(eventKey(ev.Seq), data, nil); err != nil {
		return err
	}
	return bw.batch.Set([]byte(keyLastEventSeq), counterBytes(ev.Seq), nil)
}

// SetLastOrderID records the last assigned order id.
func (bw *BatchWrite) SetLastOrderID(id uint64) error {
	return bw.batch.Set([]byte(keyLastOrderID), counterBytes(id), nil)
}

// Commit writes the batch to Pebble atomically and durably.
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close closes the batch without committing.
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}

func counterBytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
