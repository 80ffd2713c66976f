package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/decoupledfin/walletcore/internal/gateway"
	"github.com/decoupledfin/walletcore/internal/idempotency"
	"github.com/decoupledfin/walletcore/internal/service"
	"github.com/decoupledfin/walletcore/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletcore_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// response is the closed result envelope: success carries a message,
// failure carries an error and, for reversals, the failed legs.
type response struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
	Data    interface{}          `json:"data,omitempty"`
	Legs    []service.LegFailure `json:"legs,omitempty"`
}

type Handler struct {
	store   store.Store
	service *service.Service
	cards   *gateway.Client
}

func NewHandler(st store.Store, svc *service.Service, cards *gateway.Client) *Handler {
	return &Handler{store: st, service: svc, cards: cards}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}/entries", h.GetAccountEntries).Methods("GET")
	r.HandleFunc("/deposits", h.Deposit).Methods("POST")
	r.HandleFunc("/withdrawals", h.Withdraw).Methods("POST")
	r.HandleFunc("/transfers", h.Transfer).Methods("POST")
	r.HandleFunc("/reversals", h.Reverse).Methods("POST")
	if h.cards != nil {
		r.HandleFunc("/cards/charges", h.ChargeCard).Methods("POST")
		r.HandleFunc("/cards/charges/{reference}/pin", h.SubmitPIN).Methods("POST")
		r.HandleFunc("/cards/charges/{reference}/otp", h.SubmitOTP).Methods("POST")
		r.HandleFunc("/cards/charges/{reference}/phone", h.SubmitPhone).Methods("POST")
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

type createAccountRequest struct {
	UserID         int64           `json:"user_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts"
	defer track("POST", endpoint)()

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	acc, err := h.service.CreateAccount(r.Context(), req.UserID, req.OpeningBalance)
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusCreated, response{
		Success: true,
		Message: "Account created",
		Data:    acc,
	}, "POST", endpoint)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	defer track("GET", endpoint)()

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account id", "GET", endpoint)
		return
	}

	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondOperationError(w, err, "GET", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Data: acc}, "GET", endpoint)
}

func (h *Handler) GetAccountEntries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/entries"
	defer track("GET", endpoint)()

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account id", "GET", endpoint)
		return
	}

	entries, err := h.store.EntriesByAccount(r.Context(), id)
	if err != nil {
		h.respondOperationError(w, err, "GET", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Data: entries}, "GET", endpoint)
}

type amountRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/deposits"
	defer track("POST", endpoint)()

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	rcpt, err := h.service.Deposit(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Deposit successful",
		Data:    rcpt,
	}, "POST", endpoint)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/withdrawals"
	defer track("POST", endpoint)()

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	rcpt, err := h.service.Withdraw(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Withdrawal successful",
		Data:    rcpt,
	}, "POST", endpoint)
}

type transferRequest struct {
	SenderID    int64           `json:"sender_id"`
	RecipientID int64           `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers"
	defer track("POST", endpoint)()

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	rcpt, err := h.service.Transfer(r.Context(), req.SenderID, req.RecipientID, req.Amount)
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusCreated, response{
		Success: true,
		Message: "Transfer successful",
		Data:    rcpt,
	}, "POST", endpoint)
}

type reversalRequest struct {
	Reference string `json:"reference"`
}

func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/reversals"
	defer track("POST", endpoint)()

	var req reversalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	rcpt, err := h.service.Reverse(r.Context(), req.Reference)
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusCreated, response{
		Success: true,
		Message: "Reversal successful",
		Data:    rcpt,
	}, "POST", endpoint)
}

type chargeCardRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Email     string          `json:"email"`
	Card      gateway.Card    `json:"card"`
}

func (h *Handler) ChargeCard(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cards/charges"
	defer track("POST", endpoint)()

	var req chargeCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	result, err := h.cards.ChargeCard(r.Context(), gateway.ChargeRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Email:     req.Email,
		Card:      req.Card,
	})
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, response{
		Success: true,
		Message: result.Message,
		Data:    result,
	}, "POST", endpoint)
}

type challengeRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	PIN       string          `json:"pin,omitempty"`
	OTP       string          `json:"otp,omitempty"`
	Phone     string          `json:"phone,omitempty"`
}

func (h *Handler) SubmitPIN(w http.ResponseWriter, r *http.Request) {
	h.submitChallenge(w, r, "/cards/charges/{reference}/pin", func(req challengeRequest, ref string) (*gateway.ChargeResult, error) {
		return h.cards.SubmitPIN(r.Context(), req.AccountID, req.Amount, ref, req.PIN)
	})
}

func (h *Handler) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	h.submitChallenge(w, r, "/cards/charges/{reference}/otp", func(req challengeRequest, ref string) (*gateway.ChargeResult, error) {
		return h.cards.SubmitOTP(r.Context(), req.AccountID, req.Amount, ref, req.OTP)
	})
}

func (h *Handler) SubmitPhone(w http.ResponseWriter, r *http.Request) {
	h.submitChallenge(w, r, "/cards/charges/{reference}/phone", func(req challengeRequest, ref string) (*gateway.ChargeResult, error) {
		return h.cards.SubmitPhone(r.Context(), req.AccountID, req.Amount, ref, req.Phone)
	})
}

func (h *Handler) submitChallenge(w http.ResponseWriter, r *http.Request, endpoint string, fn func(challengeRequest, string) (*gateway.ChargeResult, error)) {
	defer track("POST", endpoint)()

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	result, err := fn(req, mux.Vars(r)["reference"])
	if err != nil {
		h.respondOperationError(w, err, "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, response{
		Success: true,
		Message: result.Message,
		Data:    result,
	}, "POST", endpoint)
}

// respondOperationError maps the error taxonomy to HTTP statuses. Internal
// failures are logged with full context and surfaced opaquely.
func (h *Handler) respondOperationError(w http.ResponseWriter, err error, method, endpoint string) {
	var revErr *service.ReversalError
	switch {
	case errors.Is(err, service.ErrValidation):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, idempotency.ErrDuplicate):
		respondError(w, http.StatusConflict, "Duplicate transaction", method, endpoint)
	case errors.Is(err, idempotency.ErrUnavailable):
		log.Printf("%s %s rejected: %v", method, endpoint, err)
		respondError(w, http.StatusServiceUnavailable, "Try again later", method, endpoint)
	case errors.Is(err, store.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, "Insufficient funds", method, endpoint)
	case errors.Is(err, store.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "Account not found", method, endpoint)
	case errors.Is(err, store.ErrAccountExists):
		respondError(w, http.StatusConflict, "User already has an account", method, endpoint)
	case errors.Is(err, store.ErrAlreadySettled):
		respondError(w, http.StatusConflict, "Payment already settled", method, endpoint)
	case errors.Is(err, service.ErrReferenceNotFound):
		respondError(w, http.StatusNotFound, "Reference not found", method, endpoint)
	case errors.Is(err, service.ErrAlreadyReversed):
		respondError(w, http.StatusConflict, "Reference already reversed", method, endpoint)
	case errors.As(err, &revErr):
		respondJSON(w, http.StatusUnprocessableEntity, response{
			Success: false,
			Error:   revErr.Error(),
			Legs:    revErr.Legs,
		}, method, endpoint)
	case errors.Is(err, gateway.ErrChargeFailed):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	default:
		log.Printf("%s %s failed: %v", method, endpoint, err)
		respondError(w, http.StatusInternalServerError, "Internal server error", method, endpoint)
	}
}

func pathID(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}

func track(method, endpoint string) func() {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	return func() { timer.ObserveDuration() }
}

func respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondJSON(w, code, response{Success: false, Error: message}, method, endpoint)
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
