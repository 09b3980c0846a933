package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kaspay/internal/common/api"
	"kaspay/internal/common/middleware"
	"kaspay/internal/webhooks"
)

var _ Registry = (*webhooks.Registry)(nil)

// Registry manages a merchant's webhook subscriptions.
type Registry interface {
	Register(ctx context.Context, merchantID string, req webhooks.RegisterRequest) (*webhooks.Subscription, error)
	List(ctx context.Context, merchantID string) ([]webhooks.Subscription, error)
	Deactivate(ctx context.Context, merchantID, id string) error
	Deliveries(ctx context.Context, merchantID, id string, limit int) ([]*webhooks.Delivery, error)
}

// Handler handles webhook subscription HTTP requests
type Handler struct {
	registry Registry
	logger   *slog.Logger
}

// NewHandler creates a new webhooks handler
func NewHandler(registry Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// Routes registers the merchant webhook routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks", h.Register)
	r.Get("/webhooks", h.List)
	r.Delete("/webhooks/{id}", h.Deactivate)
	r.Get("/webhooks/{id}/deliveries", h.Deliveries)
}

// Register handles POST /webhooks. The response is the only place the
// signing secret is ever returned.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req webhooks.RegisterRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	sub, err := h.registry.Register(r.Context(), middleware.GetMerchantID(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, sub)
}

// List handles GET /webhooks
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, subs)
}

// Deactivate handles DELETE /webhooks/{id}
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deactivate(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deliveries handles GET /webhooks/{id}/deliveries
func (h *Handler) Deliveries(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 50, 200)

	deliveries, err := h.registry.Deliveries(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"), page.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, deliveries)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, webhooks.ErrSubscriptionNotFound):
		api.NotFound(w, "webhook subscription not found")
	case errors.Is(err, webhooks.ErrInvalidURL), errors.Is(err, webhooks.ErrInvalidEvent):
		api.BadRequest(w, err.Error())
	default:
		h.logger.Error("webhook request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "internal error")
	}
}
