// Package billing applies the platform's per-sale fee to merchant balances
// and handles balance credits.
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"conversy/internal/metrics"
	"conversy/internal/repo"
)

// Service wraps the repository's atomic balance operations with fee-rate
// resolution and metrics.
type Service struct {
	repo            repo.Repository
	logger          *slog.Logger
	metrics         *metrics.Metrics
	defaultFeeCents int64
}

// New creates the billing service. defaultFeeCents applies to clients without
// a configured fee rate.
func New(r repo.Repository, logger *slog.Logger, m *metrics.Metrics, defaultFeeCents int64) *Service {
	return &Service{
		repo:            r,
		logger:          logger.With("component", "billing"),
		metrics:         m,
		defaultFeeCents: defaultFeeCents,
	}
}

// FeeRate returns the per-sale platform fee for a client.
func (s *Service) FeeRate(client *repo.Client) int64 {
	if client.FeeRateCents != nil && *client.FeeRateCents >= 0 {
		return *client.FeeRateCents
	}
	return s.defaultFeeCents
}

// SettleOrderFee takes the platform cut for one order. Callers invoke this
// only after claiming the order's paid transition, so it runs at most once
// per order; the unique platform_fees.order_id index backs that up.
func (s *Service) SettleOrderFee(ctx context.Context, client *repo.Client, orderID string) (*repo.FeeSettlement, error) {
	rate := s.FeeRate(client)
	if rate == 0 {
		return &repo.FeeSettlement{OrderID: orderID, Source: repo.FeeFromBalance}, nil
	}
	if err := s.repo.EnsureBalance(ctx, client.ID); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	settlement, err := s.repo.SettleOrderFee(ctx, client.ID, orderID, rate)
	if err != nil {
		return nil, fmt.Errorf("settle order fee: %w", err)
	}
	s.metrics.PlatformFees.WithLabelValues(settlement.Source).Inc()
	if settlement.Source == repo.FeeFromDebt {
		s.logger.Warn("platform fee accrued as debt", "client_id", client.ID, "order_id", orderID, "amount_cents", rate)
	}
	return settlement, nil
}

// AddCredit tops up a merchant balance, paying outstanding debt first.
func (s *Service) AddCredit(ctx context.Context, clientID string, amountCents int64, method string, referenceID *string) (*repo.CreditResult, error) {
	if err := s.repo.EnsureBalance(ctx, clientID); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	result, err := s.repo.CreditBalance(ctx, clientID, amountCents, method, referenceID)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	s.logger.Info("balance credited",
		"client_id", clientID,
		"amount_cents", amountCents,
		"debt_paid_cents", result.DebtPaidCents,
		"balance_added_cents", result.BalanceAddedCents,
		"debt_cleared", result.DebtCleared,
	)
	return result, nil
}
