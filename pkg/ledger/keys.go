package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema.
// Prefix-based so related records range-scan together:
//
//	bal:{asset}:{account}   balance value (decimal string)
//	ord:{hash}              order record (JSON)
//	own:{owner}:{hash}      owner secondary index (empty value)
//	evt:{seq}               event log entry (JSON), seq zero-padded to 20
//	                        digits for lexicographic ordering
//	meta:lastorder          last assigned order id (8-byte big-endian)
//	meta:lastseq            last assigned event sequence (8-byte big-endian)
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixOwner   = "own:"
	prefixEvent   = "evt:"

	keyLastOrderID  = "meta:lastorder"
	keyLastEventSeq = "meta:lastseq"
)

func balanceKey(asset, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), account.Hex()))
}

func balancePrefix() []byte {
	return []byte(prefixBalance)
}

func orderKey(hash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOrder, hash.Hex()))
}

func orderPrefix() []byte {
	return []byte(prefixOrder)
}

func ownerKey(owner common.Address, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOwner, owner.Hex(), hash.Hex()))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan:
// the prefix with its last byte incremented.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// balanceKeyFromBytes extracts (asset, account) from a balance key.
// Inverse of balanceKey, used when loading state from an iterator.
func balanceKeyFromBytes(key []byte) (asset, account common.Address, err error) {
	// "bal:" + 42 hex chars + ":" + 42 hex chars
	want := len(prefixBalance) + 42 + 1 + 42
	if len(key) != want {
		return common.Address{}, common.Address{}, fmt.Errorf("invalid balance key length: %d", len(key))
	}
	assetHex := string(key[len(prefixBalance) : len(prefixBalance)+42])
	accountHex := string(key[len(prefixBalance)+43:])
	if !common.IsHexAddress(assetHex) || !common.IsHexAddress(accountHex) {
		return common.Address{}, common.Address{}, fmt.Errorf("invalid address in balance key: %s", key)
	}
	return common.HexToAddress(assetHex), common.HexToAddress(accountHex), nil
}
