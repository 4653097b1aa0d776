package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ylayali/family-coloring-page-generator/internal/metrics"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
	"github.com/ylayali/family-coloring-page-generator/internal/trial"
)

// AccountService returns accounts with their trial state brought up to
// date. Every read that feeds a decision goes through Refresh.
type AccountService struct {
	accounts  repository.AccountRepository
	evaluator trial.Evaluator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewAccountService(
	accounts repository.AccountRepository,
	evaluator trial.Evaluator,
	logger *slog.Logger,
	m *metrics.Metrics,
) *AccountService {
	return &AccountService{
		accounts:  accounts,
		evaluator: evaluator,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Refresh loads the account and, when its free trial has run out, persists
// the expiry before returning it.
//
// The expiry is a conditional write, so two concurrent refreshes expire the
// trial once, and a subscription that lands in between is never clobbered.
func (s *AccountService) Refresh(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service/account: loading %s: %w", accountID, err)
	}

	decision := s.evaluator.Decide(acct, s.now())
	if !decision.Expire {
		return acct, nil
	}

	expired, err := s.accounts.ExpireTrial(ctx, accountID, decision.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("service/account: expiring trial for %s: %w", accountID, err)
	}
	if expired {
		s.metrics.ObserveTrialExpired()
		s.logger.InfoContext(ctx, "free trial expired",
			slog.String("accountID", accountID),
			slog.Time("trialStart", acct.TrialStartDate),
		)
	}

	// Re-read either way: if the write lost to a concurrent change, that
	// change is what the caller must see.
	acct, err = s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service/account: reloading %s: %w", accountID, err)
	}
	return acct, nil
}
