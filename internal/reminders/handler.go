// internal/reminders/handler.go
package reminders

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service Service

	// Argon2 hash and salt of the admin key guarding settings updates.
	// Both empty disables the check (local development).
	adminKeyHash string
	adminKeySalt string
}

func NewHandler(service Service, adminKeyHash, adminKeySalt string) *Handler {
	return &Handler{
		service:      service,
		adminKeyHash: adminKeyHash,
		adminKeySalt: adminKeySalt,
	}
}

// Routes mounts the reminder endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings", h.handleGetSettings)
	r.Put("/settings", h.requireAdminKey(h.handleUpdateSettings))
	r.Get("/stats", h.handleStats)
	r.Post("/orders", h.handleOrderCreated)
	r.Post("/orders/{id}/paid", h.handleOrderTerminal)
	r.Post("/orders/{id}/cancelled", h.handleOrderTerminal)
	r.Post("/run", h.handleRunPass)
}

func (h *Handler) requireAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminKeyHash == "" && h.adminKeySalt == "" {
			next(w, r)
			return
		}

		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			http.Error(w, "missing admin key", http.StatusUnauthorized)
			return
		}

		ok, err := VerifyAdminKey(key, h.adminKeySalt, h.adminKeyHash)
		if err != nil || !ok {
			http.Error(w, "invalid admin key", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.GetSettings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(settings)
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateSettings(r.Context(), settings); err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(settings)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(stats)
}

func (h *Handler) handleOrderCreated(w http.ResponseWriter, r *http.Request) {
	var order Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if order.ID == "" {
		http.Error(w, "missing order ID", http.StatusBadRequest)
		return
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	events, err := h.service.ScheduleForOrder(r.Context(), order)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		Scheduled int     `json:"scheduled"`
		Events    []Event `json:"events"`
	}{len(events), events})
}

func (h *Handler) handleOrderTerminal(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		http.Error(w, "missing order ID", http.StatusBadRequest)
		return
	}

	cancelled, err := h.service.CancelForOrder(r.Context(), orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(struct {
		Cancelled int64 `json:"cancelled"`
	}{cancelled})
}

func (h *Handler) handleRunPass(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunPass(r.Context(), time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(report)
}
