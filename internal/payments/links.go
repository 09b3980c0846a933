package payments

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"kaspay/internal/common/database"
	"kaspay/internal/common/money"
)

// CreateLinkRequest is the request to create a payment link.
type CreateLinkRequest struct {
	Title          string     `json:"title" validate:"required,min=1,max=255"`
	Description    string     `json:"description,omitempty" validate:"max=2000"`
	Amount         string     `json:"amount" validate:"required"`
	Currency       string     `json:"currency,omitempty" validate:"omitempty,oneof=KAS USD kas usd"`
	ExpiryMinutes  int        `json:"expiry_minutes,omitempty" validate:"omitempty,gte=5,lte=1440"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Status         string     `json:"status,omitempty" validate:"omitempty,oneof=draft active"`
	RedirectURL    string     `json:"redirect_url,omitempty" validate:"omitempty,url,max=2048"`
	SuccessMessage string     `json:"success_message,omitempty" validate:"max=1000"`
}

// UpdateLinkRequest patches a payment link. Nil fields are left unchanged.
type UpdateLinkRequest struct {
	Title          *string    `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Description    *string    `json:"description,omitempty" validate:"omitempty,max=2000"`
	Amount         *string    `json:"amount,omitempty"`
	Currency       *string    `json:"currency,omitempty" validate:"omitempty,oneof=KAS USD kas usd"`
	ExpiryMinutes  *int       `json:"expiry_minutes,omitempty" validate:"omitempty,gte=5,lte=1440"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Status         *string    `json:"status,omitempty" validate:"omitempty,oneof=draft active inactive"`
	RedirectURL    *string    `json:"redirect_url,omitempty" validate:"omitempty,url,max=2048"`
	SuccessMessage *string    `json:"success_message,omitempty" validate:"omitempty,max=1000"`
}

// CreateLink creates a payment link owned by merchantID.
func (s *Service) CreateLink(ctx context.Context, merchantID string, req CreateLinkRequest) (*Link, error) {
	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	currency := money.KAS
	if req.Currency != "" {
		if currency, err = money.ParseCurrency(req.Currency); err != nil {
			return nil, err
		}
	}
	expiry := req.ExpiryMinutes
	if expiry == 0 {
		expiry = DefaultExpiryMinutes
	}
	if expiry < MinExpiryMinutes || expiry > MaxExpiryMinutes {
		return nil, ErrInvalidExpiry
	}
	status := LinkActive
	if req.Status != "" {
		status = LinkStatus(req.Status)
	}

	now := s.now()
	link := &Link{
		ID:             ulid.Make().String(),
		MerchantID:     merchantID,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Amount:         amount,
		Currency:       currency,
		ExpiryMinutes:  expiry,
		ExpiresAt:      req.ExpiresAt,
		Status:         status,
		Slug:           NewSlug(req.Title),
		RedirectURL:    req.RedirectURL,
		SuccessMessage: req.SuccessMessage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateLink(ctx, link); err != nil {
		return nil, fmt.Errorf("creating link: %w", err)
	}

	s.logger.Info("payment link created",
		"link_id", link.ID,
		"merchant_id", merchantID,
		"slug", link.Slug,
		"amount", link.Amount.String(),
		"currency", link.Currency,
	)
	return link, nil
}

// GetLink returns a merchant's link.
func (s *Service) GetLink(ctx context.Context, merchantID, id string) (*Link, error) {
	link, err := s.store.GetLink(ctx, merchantID, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("loading link: %w", err)
	}
	return link, nil
}

// ListLinks returns a merchant's links, newest first.
func (s *Service) ListLinks(ctx context.Context, merchantID string, limit, offset int) ([]*Link, error) {
	return s.store.ListLinks(ctx, merchantID, limit, offset)
}

// UpdateLink applies a partial update to a merchant's link.
func (s *Service) UpdateLink(ctx context.Context, merchantID, id string, req UpdateLinkRequest) (*Link, error) {
	link, err := s.GetLink(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		link.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		link.Description = *req.Description
	}
	if req.Amount != nil {
		amount, err := money.ParseAmount(*req.Amount)
		if err != nil {
			return nil, err
		}
		link.Amount = amount
	}
	if req.Currency != nil {
		currency, err := money.ParseCurrency(*req.Currency)
		if err != nil {
			return nil, err
		}
		link.Currency = currency
	}
	if req.ExpiryMinutes != nil {
		if *req.ExpiryMinutes < MinExpiryMinutes || *req.ExpiryMinutes > MaxExpiryMinutes {
			return nil, ErrInvalidExpiry
		}
		link.ExpiryMinutes = *req.ExpiryMinutes
	}
	if req.ExpiresAt != nil {
		link.ExpiresAt = req.ExpiresAt
	}
	if req.RedirectURL != nil {
		link.RedirectURL = *req.RedirectURL
	}
	if req.SuccessMessage != nil {
		link.SuccessMessage = *req.SuccessMessage
	}
	if req.Status != nil {
		switch LinkStatus(*req.Status) {
		case LinkActive:
			if err := link.Publish(); err != nil {
				return nil, err
			}
		case LinkInactive:
			link.Deactivate()
		case LinkDraft:
			link.Status = LinkDraft
		}
	}
	link.UpdatedAt = s.now()

	if err := s.store.UpdateLink(ctx, link); err != nil {
		return nil, fmt.Errorf("updating link: %w", err)
	}
	return link, nil
}

// DeactivateLink soft-deletes a link; its sessions remain readable.
func (s *Service) DeactivateLink(ctx context.Context, merchantID, id string) error {
	link, err := s.GetLink(ctx, merchantID, id)
	if err != nil {
		return err
	}
	link.Deactivate()
	if err := s.store.UpdateLink(ctx, link); err != nil {
		return fmt.Errorf("deactivating link: %w", err)
	}
	s.logger.Info("payment link deactivated", "link_id", id, "merchant_id", merchantID)
	return nil
}

// PublicURL returns the payer-facing checkout URL for a link.
func (s *Service) PublicURL(link *Link) string {
	return strings.TrimRight(s.cfg.AppURL, "/") + "/pay/" + link.Slug
}

// NewSlug derives a URL slug from title with a random suffix.
func NewSlug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	base := strings.TrimRight(b.String(), "-")
	if len(base) > 60 {
		base = strings.TrimRight(base[:60], "-")
	}

	id := strings.ToLower(ulid.Make().String())
	suffix := id[len(id)-6:]
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}
