package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"kaspay/internal/common/api"
	"kaspay/internal/common/middleware"
	"kaspay/internal/common/money"
	"kaspay/internal/indexer"
	"kaspay/internal/payments"
	"kaspay/internal/price"
)

var (
	_ Service       = (*payments.Service)(nil)
	_ Poller        = (*payments.Detector)(nil)
	_ PriceSource   = (*price.Oracle)(nil)
	_ NetworkSource = (*indexer.Client)(nil)
)

// Service is the part of payments.Service the HTTP layer uses.
type Service interface {
	OpenSession(ctx context.Context, req payments.OpenSessionRequest) (*payments.Checkout, error)
	GetSession(ctx context.Context, id string) (*payments.Session, error)
	ListSessions(ctx context.Context, merchantID string, filter payments.SessionFilter) ([]*payments.Session, error)
	Stats(ctx context.Context, merchantID string) (*payments.Stats, error)

	CreateLink(ctx context.Context, merchantID string, req payments.CreateLinkRequest) (*payments.Link, error)
	GetLink(ctx context.Context, merchantID, id string) (*payments.Link, error)
	ListLinks(ctx context.Context, merchantID string, limit, offset int) ([]*payments.Link, error)
	UpdateLink(ctx context.Context, merchantID, id string, req payments.UpdateLinkRequest) (*payments.Link, error)
	DeactivateLink(ctx context.Context, merchantID, id string) error
	PublicURL(link *payments.Link) string

	RegisterMerchant(ctx context.Context, req payments.RegisterMerchantRequest) (*payments.Merchant, error)
	GetMerchant(ctx context.Context, id string) (*payments.Merchant, error)
	UpdateSettings(ctx context.Context, merchantID string, req payments.UpdateSettingsRequest) (*payments.Merchant, error)
}

// Poller advances a session against the ledger.
type Poller interface {
	Poll(ctx context.Context, id string) (*payments.Session, error)
}

// PriceSource quotes the settlement currency.
type PriceSource interface {
	GetSpotRate(ctx context.Context, base, quote money.Currency) (decimal.Decimal, error)
}

// NetworkSource describes the chain.
type NetworkSource interface {
	GetNetworkInfo(ctx context.Context) (*indexer.NetworkInfo, error)
}

// Handler handles payment HTTP requests
type Handler struct {
	service Service
	poller  Poller
	price   PriceSource
	network NetworkSource
	logger  *slog.Logger
}

// NewHandler creates a new payments handler
func NewHandler(service Service, poller Poller, price PriceSource, network NetworkSource, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		poller:  poller,
		price:   price,
		network: network,
		logger:  logger,
	}
}

// PublicRoutes registers the unauthenticated checkout routes on r.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Post("/sessions", h.OpenSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Get("/sessions/{id}/status", h.PollSession)

	r.Post("/merchants", h.RegisterMerchant)
	r.Get("/price", h.GetPrice)
	r.Get("/network", h.GetNetwork)
}

// MerchantRoutes registers the routes that require an authenticated
// merchant on r.
func (h *Handler) MerchantRoutes(r chi.Router) {
	r.Post("/links", h.CreateLink)
	r.Get("/links", h.ListLinks)
	r.Get("/links/{id}", h.GetLink)
	r.Patch("/links/{id}", h.UpdateLink)
	r.Delete("/links/{id}", h.DeleteLink)

	r.Get("/payments", h.ListPayments)
	r.Get("/stats", h.GetStats)

	r.Get("/settings", h.GetSettings)
	r.Patch("/settings", h.UpdateSettings)
}

// SessionView is the checkout page's view of a session.
type SessionView struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	AmountExpected string     `json:"amount_expected"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	LinkAmount     string     `json:"link_amount"`
	LinkCurrency   string     `json:"link_currency"`
	RedirectURL    string     `json:"redirect_url,omitempty"`
	SuccessMessage string     `json:"success_message,omitempty"`
	AmountReceived *string    `json:"amount_received,omitempty"`
	TxID           string     `json:"tx_id,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

// ReceiptView is the full view of a session.
type ReceiptView struct {
	ID             string         `json:"id"`
	PaymentLinkID  string         `json:"payment_link_id,omitempty"`
	Status         string         `json:"status"`
	Address        string         `json:"address"`
	AmountExpected string         `json:"amount_expected"`
	AmountReceived *string        `json:"amount_received,omitempty"`
	TxID           string         `json:"tx_id,omitempty"`
	SenderAddress  string         `json:"sender_address,omitempty"`
	CustomerEmail  string         `json:"customer_email,omitempty"`
	CustomerName   string         `json:"customer_name,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ConfirmedAt    *time.Time     `json:"confirmed_at,omitempty"`
}

// StatusView is the response to a status poll.
type StatusView struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	AmountReceived *string    `json:"amount_received,omitempty"`
	TxID           string     `json:"tx_id,omitempty"`
	SenderAddress  string     `json:"sender_address,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

// LinkView is a link together with its public checkout URL.
type LinkView struct {
	*payments.Link
	URL string `json:"url"`
}

func received(s *payments.Session) *string {
	if s.AmountReceived == nil {
		return nil
	}
	v := money.FormatKAS(*s.AmountReceived)
	return &v
}

func newReceiptView(s *payments.Session) ReceiptView {
	return ReceiptView{
		ID:             s.ID,
		PaymentLinkID:  s.PaymentLinkID,
		Status:         string(s.Status),
		Address:        s.Address,
		AmountExpected: money.FormatKAS(s.AmountExpected),
		AmountReceived: received(s),
		TxID:           s.TxID,
		SenderAddress:  s.SenderAddress,
		CustomerEmail:  s.CustomerEmail,
		CustomerName:   s.CustomerName,
		Metadata:       s.Metadata,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		ConfirmedAt:    s.ConfirmedAt,
	}
}

// OpenSession handles POST /sessions
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req payments.OpenSessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	checkout, err := h.service.OpenSession(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	s, l := checkout.Session, checkout.Link
	api.WriteData(w, http.StatusOK, SessionView{
		ID:             s.ID,
		Status:         string(s.Status),
		Address:        s.Address,
		AmountExpected: money.FormatKAS(s.AmountExpected),
		ExpiresAt:      s.ExpiresAt,
		Title:          l.Title,
		Description:    l.Description,
		LinkAmount:     l.Amount.String(),
		LinkCurrency:   l.Currency.String(),
		RedirectURL:    l.RedirectURL,
		SuccessMessage: l.SuccessMessage,
		AmountReceived: received(s),
		TxID:           s.TxID,
		ConfirmedAt:    s.ConfirmedAt,
	})
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, newReceiptView(s))
}

// PollSession handles GET /sessions/{id}/status
func (h *Handler) PollSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.poller.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, StatusView{
		ID:             s.ID,
		Status:         string(s.Status),
		ExpiresAt:      s.ExpiresAt,
		AmountReceived: received(s),
		TxID:           s.TxID,
		SenderAddress:  s.SenderAddress,
		ConfirmedAt:    s.ConfirmedAt,
	})
}

// RegisterMerchant handles POST /merchants
func (h *Handler) RegisterMerchant(w http.ResponseWriter, r *http.Request) {
	var req payments.RegisterMerchantRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	m, err := h.service.RegisterMerchant(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, m)
}

// PriceView is the current KAS quote.
type PriceView struct {
	Currency string `json:"currency"`
	Price    string `json:"price"`
}

// GetPrice handles GET /price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	quote := money.USD
	if q := r.URL.Query().Get("currency"); q != "" {
		c, err := money.ParseCurrency(q)
		if err != nil {
			api.BadRequest(w, "unsupported currency")
			return
		}
		quote = c
	}

	rate, err := h.price.GetSpotRate(r.Context(), money.KAS, quote)
	if err != nil {
		h.logger.Warn("price lookup failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodePriceUnavailable, "price unavailable")
		return
	}
	api.WriteData(w, http.StatusOK, PriceView{Currency: quote.String(), Price: rate.String()})
}

// GetNetwork handles GET /network
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	info, err := h.network.GetNetworkInfo(r.Context())
	if err != nil {
		h.logger.Warn("network info lookup failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "network info unavailable")
		return
	}
	api.WriteData(w, http.StatusOK, info)
}

// CreateLink handles POST /links
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req payments.CreateLinkRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	link, err := h.service.CreateLink(r.Context(), middleware.GetMerchantID(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, LinkView{Link: link, URL: h.service.PublicURL(link)})
}

// ListLinks handles GET /links
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 20, 100)

	links, err := h.service.ListLinks(r.Context(), middleware.GetMerchantID(r.Context()), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]LinkView, 0, len(links))
	for _, l := range links {
		views = append(views, LinkView{Link: l, URL: h.service.PublicURL(l)})
	}
	api.WritePaginated(w, views, page.Page(len(links)))
}

// GetLink handles GET /links/{id}
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.service.GetLink(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, LinkView{Link: link, URL: h.service.PublicURL(link)})
}

// UpdateLink handles PATCH /links/{id}
func (h *Handler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	var req payments.UpdateLinkRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	link, err := h.service.UpdateLink(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, LinkView{Link: link, URL: h.service.PublicURL(link)})
}

// DeleteLink handles DELETE /links/{id}
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateLink(r.Context(), middleware.GetMerchantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPayments handles GET /payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 20, 100)
	filter := payments.SessionFilter{Limit: page.Limit, Offset: page.Offset}

	switch status := payments.SessionStatus(r.URL.Query().Get("status")); status {
	case "":
	case payments.SessionPending, payments.SessionConfirmed, payments.SessionExpired:
		filter.Status = status
	default:
		api.BadRequest(w, "status must be one of: pending confirmed expired")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), middleware.GetMerchantID(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]ReceiptView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newReceiptView(s))
	}
	api.WritePaginated(w, views, page.Page(len(sessions)))
}

// GetStats handles GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, st)
}

// GetSettings handles GET /settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetMerchant(r.Context(), middleware.GetMerchantID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	m.APIKey = ""
	api.WriteData(w, http.StatusOK, m)
}

// UpdateSettings handles PATCH /settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req payments.UpdateSettingsRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	m, err := h.service.UpdateSettings(r.Context(), middleware.GetMerchantID(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	m.APIKey = ""
	api.WriteData(w, http.StatusOK, m)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payments.ErrLinkNotFound):
		api.WriteError(w, http.StatusNotFound, api.ErrCodeLinkNotFound, "payment link not found")
	case errors.Is(err, payments.ErrLinkInactive):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeLinkInactive, "payment link is not active")
	case errors.Is(err, payments.ErrLinkExpired):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeLinkExpired, "payment link has expired")
	case errors.Is(err, payments.ErrPriceUnavailable):
		h.logger.Warn("price unavailable", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodePriceUnavailable, "price unavailable, try again shortly")
	case errors.Is(err, payments.ErrSessionNotFound):
		api.WriteError(w, http.StatusNotFound, api.ErrCodeSessionNotFound, "payment session not found")
	case errors.Is(err, payments.ErrMerchantNotFound):
		api.NotFound(w, "merchant not found")
	case errors.Is(err, payments.ErrMerchantExists):
		api.Conflict(w, "a merchant with this email already exists")
	case errors.Is(err, payments.ErrInvalidAddress):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeInvalidAddress, "invalid Kaspa address")
	case errors.Is(err, money.ErrInvalidAmount):
		api.WriteError(w, http.StatusBadRequest, api.ErrCodeInvalidAmount, err.Error())
	case errors.Is(err, payments.ErrInvalidExpiry), errors.Is(err, money.ErrUnknownCurrency):
		api.BadRequest(w, err.Error())
	default:
		h.logger.Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "internal error")
	}
}
