package service

import (
	"context"
	"fmt"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/shopspring/decimal"
)

// CreditUser is the manual override for reconciliation and support: an
// unconditional balance credit with no dedup token. Repeated calls credit
// repeatedly; admin gating happens at the presentation layer.
func (s *Service) CreditUser(ctx context.Context, targetUserID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("admin credit must be positive, got %s", amount)
	}

	if err := s.repo.AdjustBalance(ctx, targetUserID, amount); err != nil {
		return err
	}
	if err := s.repo.RecordAdjustment(ctx, targetUserID, amount, models.AdjustAdminCredit); err != nil {
		s.logger.Errorf("Failed to record admin credit for %s: %v", targetUserID, err)
	}

	s.logger.Infof("Admin credited %s to user %s", amount, targetUserID)
	return nil
}

func (s *Service) SalesReport(ctx context.Context) (*models.SalesReport, error) {
	return s.repo.SalesReport(ctx)
}
