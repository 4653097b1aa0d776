package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, email, password_hash, name,
	credits_remaining, total_credits_used, trial_credits_used,
	is_trial_active, trial_start_date,
	subscription_plan, subscription_status, subscription_id, stripe_customer_id,
	current_period_start, current_period_end, last_credit_reset, billing_event_at,
	created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a                                    model.Account
		isTrial                              int
		trialStart, createdAt, updatedAt     int64
		plan, status, subID, customerID      sql.NullString
		periodStart, periodEnd, reset, event sql.NullInt64
	)

	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.Name,
		&a.CreditsRemaining, &a.TotalCreditsUsed, &a.TrialCreditsUsed,
		&isTrial, &trialStart,
		&plan, &status, &subID, &customerID,
		&periodStart, &periodEnd, &reset, &event,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.IsTrialActive = isTrial == 1
	a.TrialStartDate = fromMillis(trialStart)
	a.SubscriptionPlan = plan.String
	a.SubscriptionStatus = model.SubscriptionStatus(status.String)
	a.SubscriptionID = subID.String
	a.StripeCustomerID = customerID.String
	a.CurrentPeriodStart = optionalTime(periodStart)
	a.CurrentPeriodEnd = optionalTime(periodEnd)
	a.LastCreditReset = optionalTime(reset)
	a.BillingEventAt = optionalTime(event)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)

	return &a, nil
}

// Create inserts a new account. ID and timestamps are assigned here; the
// email is stored normalised.
func (db *DB) Create(ctx context.Context, a *model.Account) error {
	now := db.now().UTC()
	a.ID = xid.New().String()
	a.Email = model.NormalizeEmail(a.Email)
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.TrialStartDate.IsZero() {
		a.TrialStartDate = now
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (
			id, email, password_hash, name,
			credits_remaining, total_credits_used, trial_credits_used,
			is_trial_active, trial_start_date,
			subscription_plan, subscription_status, subscription_id, stripe_customer_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, a.Name,
		a.CreditsRemaining, a.TotalCreditsUsed, a.TrialCreditsUsed,
		boolToInt(a.IsTrialActive), toMillis(a.TrialStartDate),
		nullString(a.SubscriptionPlan), nullString(string(a.SubscriptionStatus)),
		nullString(a.SubscriptionID), nullString(a.StripeCustomerID),
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("account", a.Email)
		}
		return fmt.Errorf("sqlite: inserting account %s: %w", a.Email, err)
	}

	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.Account, error) {
	return db.getBy(ctx, "id", id)
}

func (db *DB) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return db.getBy(ctx, "email", model.NormalizeEmail(email))
}

func (db *DB) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Account, error) {
	return db.getBy(ctx, "subscription_id", subscriptionID)
}

// GetByStripeCustomerID returns the account linked to a processor customer.
func (db *DB) GetByStripeCustomerID(ctx context.Context, customerID string) (*model.Account, error) {
	return db.getBy(ctx, "stripe_customer_id", customerID)
}

// getBy is shared by the lookups. column is always a constant from this
// file, never caller input.
func (db *DB) getBy(ctx context.Context, column, value string) (*model.Account, error) {
	if value == "" {
		return nil, apperror.NotFound("account", value)
	}

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+column+` = ? LIMIT 1`,
		value,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", value)
		}
		return nil, fmt.Errorf("sqlite: getting account by %s: %w", column, err)
	}
	return a, nil
}

// Update applies a field-level change set in one UPDATE statement.
//
// With upd.EventAt set the WHERE clause also requires that no newer
// processor event has been applied, so an out-of-order redelivery matches
// zero rows and reports applied=false.
func (db *DB) Update(ctx context.Context, id string, upd model.AccountUpdate) (bool, error) {
	if upd.IsEmpty() {
		if _, err := db.GetByID(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if upd.Name != nil {
		set("name", *upd.Name)
	}
	if upd.CreditsRemaining != nil {
		set("credits_remaining", *upd.CreditsRemaining)
	}
	if upd.IsTrialActive != nil {
		set("is_trial_active", boolToInt(*upd.IsTrialActive))
	}
	if upd.SubscriptionPlan != nil {
		set("subscription_plan", nullString(*upd.SubscriptionPlan))
	}
	if upd.SubscriptionStatus != nil {
		set("subscription_status", nullString(string(*upd.SubscriptionStatus)))
	}
	if upd.SubscriptionID != nil {
		set("subscription_id", nullString(*upd.SubscriptionID))
	}
	if upd.StripeCustomerID != nil {
		set("stripe_customer_id", nullString(*upd.StripeCustomerID))
	}
	if upd.CurrentPeriodStart != nil {
		set("current_period_start", nullMillis(*upd.CurrentPeriodStart))
	}
	if upd.CurrentPeriodEnd != nil {
		set("current_period_end", nullMillis(*upd.CurrentPeriodEnd))
	}
	if upd.LastCreditReset != nil {
		set("last_credit_reset", nullMillis(*upd.LastCreditReset))
	}
	if upd.EventAt != nil {
		set("billing_event_at", toMillis(*upd.EventAt))
	}
	set("updated_at", toMillis(db.now()))

	query := `UPDATE accounts SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if upd.EventAt != nil {
		query += ` AND (billing_event_at IS NULL OR billing_event_at <= ?)`
		args = append(args, toMillis(*upd.EventAt))
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) && upd.SubscriptionID != nil {
			return false, apperror.Conflict("subscription", *upd.SubscriptionID)
		}
		return false, fmt.Errorf("sqlite: updating account %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		// Either the account is gone or the event guard rejected the write.
		if _, err := db.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	return true, nil
}

// LinkStripeCustomer only writes into an empty stripe_customer_id, so two
// checkouts racing to create a customer cannot overwrite each other. The
// loser reads back the winner's id.
func (db *DB) LinkStripeCustomer(ctx context.Context, id, customerID string) (string, error) {
	var linked string
	err := db.conn.QueryRowContext(ctx,
		`UPDATE accounts
		 SET stripe_customer_id = ?, updated_at = ?
		 WHERE id = ? AND (stripe_customer_id IS NULL OR stripe_customer_id = '')
		 RETURNING stripe_customer_id`,
		customerID, toMillis(db.now()), id,
	).Scan(&linked)
	if err == nil {
		return linked, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: linking customer for %s: %w", id, err)
	}

	a, err := db.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return a.StripeCustomerID, nil
}

// ExpireTrial is a single conditional UPDATE so it cannot clobber a
// concurrent subscription activation or debit.
func (db *DB) ExpireTrial(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts
		 SET is_trial_active = 0, credits_remaining = 0, updated_at = ?
		 WHERE id = ?
		   AND is_trial_active = 1
		   AND trial_start_date <= ?
		   AND subscription_id IS NULL`,
		toMillis(db.now()), id, toMillis(cutoff),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: expiring trial for %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n == 1, nil
}

// DebitCredit decrements the balance only while it is positive. The
// statement reads and writes the row in one step, so two requests racing
// for the last credit cannot both win.
//
// trial_credits_used grows by is_trial_active (0 or 1) in the same step.
func (db *DB) DebitCredit(ctx context.Context, id string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`UPDATE accounts
		 SET credits_remaining  = credits_remaining - 1,
		     total_credits_used = total_credits_used + 1,
		     trial_credits_used = trial_credits_used + is_trial_active,
		     updated_at         = ?
		 WHERE id = ? AND credits_remaining > 0
		 RETURNING `+accountColumns,
		toMillis(db.now()), id,
	)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := db.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, apperror.NoCredits()
		}
		return nil, fmt.Errorf("sqlite: debiting credit for %s: %w", id, err)
	}
	return a, nil
}
