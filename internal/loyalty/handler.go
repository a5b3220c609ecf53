// internal/loyalty/handler.go
package loyalty

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"atelier/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the loyalty endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/customers", h.handleCreateAccount)
	r.Get("/customers/{id}", h.handleGetAccount)
	r.Get("/customers/{id}/transactions", h.handleHistory)
	r.Get("/customers/{id}/progress", h.handleProgress)
	r.Get("/customers/{id}/audit", h.handleAudit)
	r.Post("/customers/{id}/points", h.handleAward)
	r.Post("/orders/completed", h.handleOrderCompleted)
}

func customerID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := uuid.Parse(req.CustomerID)
	if err != nil {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	account, err := h.service.CreateAccount(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(r)
	if !ok {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(account)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(r)
	if !ok {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	txns, meta, err := h.service.History(r.Context(), id, page, pageSize)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(struct {
		Transactions []ledger.Transaction `json:"transactions"`
		Pagination   *Pagination          `json:"pagination"`
	}{txns, meta})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(r)
	if !ok {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	progress, err := h.service.Progress(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(progress)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(r)
	if !ok {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	report, err := h.service.Audit(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(report)
}

func (h *Handler) handleAward(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(r)
	if !ok {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Points      int64  `json:"points"`
		Type        string `json:"type"`
		Description string `json:"description"`
		OrderID     string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	txn, err := h.service.Award(r.Context(), id, req.Points, TransactionType(req.Type), req.Description, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAward):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrInsufficientBalance):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrAccountNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(txn)
}

func (h *Handler) handleOrderCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID    string `json:"order_id"`
		CustomerID string `json:"customer_id"`
		Total      int64  `json:"total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := uuid.Parse(req.CustomerID)
	if err != nil {
		http.Error(w, "invalid customer ID", http.StatusBadRequest)
		return
	}

	txn, err := h.service.EarnFromOrderTotal(r.Context(), id, req.Total, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAward):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrAccountNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(txn)
}
