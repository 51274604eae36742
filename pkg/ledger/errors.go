package ledger

import "errors"

// Every operation either fully applies or fully aborts with one of these.
// Callers decide whether to retry (e.g. re-approve and repeat a deposit);
// the ledger itself never retries.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOwner            = errors.New("not order owner")
	ErrAlreadyFilled       = errors.New("order already filled")
	ErrAlreadyCancelled    = errors.New("order already cancelled")
	ErrTransferFailed      = errors.New("external transfer failed")
	ErrNegativeAmount      = errors.New("amount cannot be negative")
)
