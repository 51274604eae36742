package api

import (
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/rtkex/exchange-ledger/pkg/bridge"
	"github.com/rtkex/exchange-ledger/pkg/ledger"
)

// Server exposes the ledger's operations over REST and pushes committed
// events to WebSocket subscribers.
type Server struct {
	ledger *ledger.Ledger
	bank   *bridge.Bank
	router *mux.Router
	hub    *Hub
}

// NewServer creates an API server and registers it as an event subscriber.
func NewServer(l *ledger.Ledger, bank *bridge.Bank) *Server {
	s := &Server{
		ledger: l,
		bank:   bank,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}

	s.setupRoutes()
	l.Subscribe(s.broadcastEvent)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Balance operations
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/balances/{asset}/{account}", s.handleGetBalance).Methods("GET")

	// Order operations
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/{hash:0x[0-9a-fA-F]{64}}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")

	// Event log range queries
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// Devnet bank faucet (external holdings + allowances)
	api.HandleFunc("/bank/mint", s.handleMint).Methods("POST")
	api.HandleFunc("/bank/approve", s.handleApprove).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// Handler returns the routed handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, amount, ok := parseAccountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}

	var ev *ledger.Event
	var err error
	if req.Asset == "" {
		ev, err = s.ledger.DepositNative(account, amount)
	} else {
		asset, ok := parseAddress(w, req.Asset, "asset")
		if !ok {
			return
		}
		ev, err = s.ledger.DepositToken(account, asset, amount)
	}
	if err != nil {
		respondLedgerError(w, err)
		return
	}

	respondJSON(w, transferResponse(ev))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, amount, ok := parseAccountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}

	var ev *ledger.Event
	var err error
	if req.Asset == "" {
		ev, err = s.ledger.WithdrawNative(account, amount)
	} else {
		asset, ok := parseAddress(w, req.Asset, "asset")
		if !ok {
			return
		}
		ev, err = s.ledger.WithdrawToken(account, asset, amount)
	}
	if err != nil {
		respondLedgerError(w, err)
		return
	}

	respondJSON(w, transferResponse(ev))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	asset, ok := parseAddress(w, vars["asset"], "asset")
	if !ok {
		return
	}
	account, ok := parseAddress(w, vars["account"], "account")
	if !ok {
		return
	}

	bal := s.ledger.BalanceOf(asset, account)
	respondJSON(w, BalanceInfo{
		Asset:   asset.Hex(),
		Account: account.Hex(),
		Balance: bal.String(),
	})
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, ok := parseAddress(w, req.Account, "account")
	if !ok {
		return
	}
	tokenGet, ok := parseAddress(w, req.TokenGet, "tokenGet")
	if !ok {
		return
	}
	tokenGive, ok := parseAddress(w, req.TokenGive, "tokenGive")
	if !ok {
		return
	}
	getAmount, ok := parseAmount(w, req.TokenGetAmount, "tokenGetAmount")
	if !ok {
		return
	}
	giveAmount, ok := parseAmount(w, req.TokenGiveAmount, "tokenGiveAmount")
	if !ok {
		return
	}

	ord, err := s.ledger.MakeOrder(account, tokenGet, getAmount, tokenGive, giveAmount)
	if err != nil {
		respondLedgerError(w, err)
		return
	}

	log.Printf("[api] order created: id=%d hash=%s", ord.ID, ord.Hash.Hex())
	respondJSON(w, orderInfo(ord))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	account, hash, ok := s.parseOrderAction(w, r)
	if !ok {
		return
	}

	if err := s.ledger.CancelOrder(account, hash); err != nil {
		respondLedgerError(w, err)
		return
	}

	log.Printf("[api] order cancelled: %s", hash.Hex())
	respondJSON(w, StatusResponse{Status: "cancelled", Hash: hash.Hex()})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	account, hash, ok := s.parseOrderAction(w, r)
	if !ok {
		return
	}

	if err := s.ledger.FillOrder(account, hash); err != nil {
		respondLedgerError(w, err)
		return
	}

	log.Printf("[api] order filled: %s by %s", hash.Hex(), account.Hex())
	respondJSON(w, StatusResponse{Status: "filled", Hash: hash.Hex()})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := common.HexToHash(vars["hash"])

	ord, err := s.ledger.GetOrder(hash)
	if err != nil {
		respondLedgerError(w, err)
		return
	}

	respondJSON(w, orderInfo(ord))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	ownerStr := r.URL.Query().Get("owner")
	owner, ok := parseAddress(w, ownerStr, "owner")
	if !ok {
		return
	}

	orders := s.ledger.OrdersByOwner(owner)
	response := make([]OrderInfo, len(orders))
	for i, ord := range orders {
		response[i] = orderInfo(ord)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	from, ok := parseSeq(w, r.URL.Query().Get("from"), "from")
	if !ok {
		return
	}
	to, ok := parseSeq(w, r.URL.Query().Get("to"), "to")
	if !ok {
		return
	}

	events, err := s.ledger.Events(from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event query failed", err.Error())
		return
	}
	if events == nil {
		events = []*ledger.Event{}
	}
	respondJSON(w, events)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, amount, ok := parseAccountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	asset := ledger.Native
	if req.Asset != "" {
		if asset, ok = parseAddress(w, req.Asset, "asset"); !ok {
			return
		}
	}

	s.bank.Mint(asset, account, amount)
	respondJSON(w, BalanceInfo{
		Asset:   asset.Hex(),
		Account: account.Hex(),
		Balance: s.bank.Holding(asset, account).String(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	account, amount, ok := parseAccountAmount(w, req.Account, req.Amount)
	if !ok {
		return
	}
	asset, ok := parseAddress(w, req.Asset, "asset")
	if !ok {
		return
	}

	s.bank.Approve(asset, account, amount)
	respondJSON(w, StatusResponse{Status: "approved"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Event broadcasting
// ==============================

// broadcastEvent pushes a committed event to WebSocket subscribers:
// the "events" firehose, plus "account:0x…" for balance activity.
func (s *Server) broadcastEvent(ev *ledger.Event) {
	s.hub.BroadcastToChannel("events", ev)
	if ev.Account != nil {
		s.hub.BroadcastToChannel("account:"+ev.Account.Hex(), ev)
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) parseOrderAction(w http.ResponseWriter, r *http.Request) (common.Address, common.Hash, bool) {
	var req OrderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return common.Address{}, common.Hash{}, false
	}

	account, ok := parseAddress(w, req.Account, "account")
	if !ok {
		return common.Address{}, common.Hash{}, false
	}
	if len(req.Hash) != 66 {
		respondError(w, http.StatusBadRequest, "invalid hash", req.Hash)
		return common.Address{}, common.Hash{}, false
	}
	return account, common.HexToHash(req.Hash), true
}

func parseAccountAmount(w http.ResponseWriter, accountStr, amountStr string) (common.Address, *big.Int, bool) {
	account, ok := parseAddress(w, accountStr, "account")
	if !ok {
		return common.Address{}, nil, false
	}
	amount, ok := parseAmount(w, amountStr, "amount")
	if !ok {
		return common.Address{}, nil, false
	}
	return account, amount, true
}

func parseAddress(w http.ResponseWriter, s, field string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid "+field, s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseAmount(w http.ResponseWriter, s, field string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		respondError(w, http.StatusBadRequest, "invalid "+field, s)
		return nil, false
	}
	return amount, true
}

func parseSeq(w http.ResponseWriter, s, field string) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+field, s)
		return 0, false
	}
	return v, true
}

func transferResponse(ev *ledger.Event) TransferResponse {
	return TransferResponse{
		Seq:        ev.Seq,
		Asset:      ev.Asset.Hex(),
		Account:    ev.Account.Hex(),
		Amount:     ev.Amount.String(),
		NewBalance: ev.NewBalance.String(),
	}
}

func orderInfo(ord *ledger.Order) OrderInfo {
	return OrderInfo{
		ID:              ord.ID,
		Hash:            ord.Hash.Hex(),
		Owner:           ord.Owner.Hex(),
		TokenGet:        ord.TokenGet.Hex(),
		TokenGetAmount:  ord.TokenGetAmount.String(),
		TokenGive:       ord.TokenGive.Hex(),
		TokenGiveAmount: ord.TokenGiveAmount.String(),
		Timestamp:       ord.Timestamp,
		Status:          ord.Status(),
	}
}

// respondLedgerError maps the ledger's typed errors to HTTP statuses.
func respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	case errors.Is(err, ledger.ErrNotOwner):
		respondError(w, http.StatusForbidden, "not order owner", err.Error())
	case errors.Is(err, ledger.ErrAlreadyFilled), errors.Is(err, ledger.ErrAlreadyCancelled):
		respondError(w, http.StatusConflict, "order in terminal state", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrTransferFailed):
		respondError(w, http.StatusUnprocessableEntity, "operation rejected", err.Error())
	case errors.Is(err, ledger.ErrNegativeAmount):
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
