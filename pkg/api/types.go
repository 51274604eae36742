package api

// Request/response types for REST endpoints and WebSocket messages.
// Amounts travel as decimal strings: balances are arbitrary-precision
// integers and JSON numbers would lose precision.

// ==============================
// REST Request Types
// ==============================

// DepositRequest funds the ledger balance of an account. An empty asset
// means the native coin; the amount is then the attached value.
type DepositRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount"`
}

// WithdrawRequest releases ledger balance back to external custody.
type WithdrawRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount"`
}

// MakeOrderRequest creates a swap order owned by Account.
type MakeOrderRequest struct {
	Account         string `json:"account"`
	TokenGet        string `json:"tokenGet"`
	TokenGetAmount  string `json:"tokenGetAmount"`
	TokenGive       string `json:"tokenGive"`
	TokenGiveAmount string `json:"tokenGiveAmount"`
}

// OrderActionRequest cancels or fills the order with the given hash,
// acting as Account.
type OrderActionRequest struct {
	Account string `json:"account"`
	Hash    string `json:"hash"`
}

// MintRequest credits an external holding (devnet faucet).
type MintRequest struct {
	Asset   string `json:"asset,omitempty"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// ApproveRequest authorizes the ledger to pull tokens from an external
// holding (devnet stand-in for ERC-20 approve).
type ApproveRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

// BalanceInfo is the read side of balanceOf.
type BalanceInfo struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// OrderInfo represents an order record.
type OrderInfo struct {
	ID              uint64 `json:"id"`
	Hash            string `json:"hash"`
	Owner           string `json:"owner"`
	TokenGet        string `json:"tokenGet"`
	TokenGetAmount  string `json:"tokenGetAmount"`
	TokenGive       string `json:"tokenGive"`
	TokenGiveAmount string `json:"tokenGiveAmount"`
	Timestamp       int64  `json:"timestamp"`
	Status          string `json:"status"`
}

// TransferResponse echoes the committed deposit or withdraw event.
type TransferResponse struct {
	Seq        uint64 `json:"seq"`
	Asset      string `json:"asset"`
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	NewBalance string `json:"newBalance"`
}

// StatusResponse acknowledges an order action.
type StatusResponse struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest subscribes or unsubscribes channels.
// Channels: "events" (every ledger event), "account:0x…" (deposits and
// withdrawals of one account).
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
