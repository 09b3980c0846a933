package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"kaspay/internal/common/database"
	"kaspay/internal/indexer"
)

// RegisterMerchantRequest is the request to register a merchant.
type RegisterMerchantRequest struct {
	Email                string `json:"email" validate:"required,email,max=255"`
	Name                 string `json:"name" validate:"required,min=1,max=255"`
	ReceivingAddress     string `json:"receiving_address" validate:"required"`
	PaymentExpiryMinutes int    `json:"payment_expiry_minutes,omitempty" validate:"omitempty,gte=5,lte=1440"`
}

// UpdateSettingsRequest patches merchant settings.
type UpdateSettingsRequest struct {
	Name                 *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	ReceivingAddress     *string `json:"receiving_address,omitempty"`
	PaymentExpiryMinutes *int    `json:"payment_expiry_minutes,omitempty" validate:"omitempty,gte=5,lte=1440"`
}

// RegisterMerchant creates a merchant with a new API key. The key is only
// returned from this call.
func (s *Service) RegisterMerchant(ctx context.Context, req RegisterMerchantRequest) (*Merchant, error) {
	address := strings.TrimSpace(req.ReceivingAddress)
	if !indexer.IsValidAddress(address) {
		return nil, ErrInvalidAddress
	}
	expiry := req.PaymentExpiryMinutes
	if expiry == 0 {
		expiry = s.cfg.DefaultExpiryMinutes
	}
	if expiry < MinExpiryMinutes || expiry > MaxExpiryMinutes {
		return nil, ErrInvalidExpiry
	}

	now := s.now()
	m := &Merchant{
		ID:                   ulid.Make().String(),
		Email:                strings.ToLower(strings.TrimSpace(req.Email)),
		Name:                 strings.TrimSpace(req.Name),
		ReceivingAddress:     address,
		APIKey:               "kp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		PaymentExpiryMinutes: expiry,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateMerchant(ctx, m); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, ErrMerchantExists
		}
		return nil, fmt.Errorf("creating merchant: %w", err)
	}

	s.logger.Info("merchant registered", "merchant_id", m.ID)
	return m, nil
}

// Authenticate resolves a merchant from its API key.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*Merchant, error) {
	if apiKey == "" {
		return nil, ErrMerchantNotFound
	}
	m, err := s.store.GetMerchantByAPIKey(ctx, apiKey)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("loading merchant: %w", err)
	}
	return m, nil
}

// GetMerchant returns a merchant profile.
func (s *Service) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	m, err := s.store.GetMerchant(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("loading merchant: %w", err)
	}
	return m, nil
}

// UpdateSettings updates the merchant's profile. Sessions keep the
// receiving address they were opened with.
func (s *Service) UpdateSettings(ctx context.Context, merchantID string, req UpdateSettingsRequest) (*Merchant, error) {
	m, err := s.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		m.Name = strings.TrimSpace(*req.Name)
	}
	if req.ReceivingAddress != nil {
		address := strings.TrimSpace(*req.ReceivingAddress)
		if !indexer.IsValidAddress(address) {
			return nil, ErrInvalidAddress
		}
		m.ReceivingAddress = address
	}
	if req.PaymentExpiryMinutes != nil {
		if *req.PaymentExpiryMinutes < MinExpiryMinutes || *req.PaymentExpiryMinutes > MaxExpiryMinutes {
			return nil, ErrInvalidExpiry
		}
		m.PaymentExpiryMinutes = *req.PaymentExpiryMinutes
	}
	m.UpdatedAt = s.now()

	if err := s.store.UpdateMerchant(ctx, m); err != nil {
		return nil, fmt.Errorf("updating merchant: %w", err)
	}
	return m, nil
}
