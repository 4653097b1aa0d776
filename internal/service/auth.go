package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
)

const invalidCredentials = "Invalid email or password"

// AuthService handles sign-up, login and session lookups.
//
// DEPENDENCIES (injected via NewAuthService):
//   - accounts   repository.AccountRepository → the ledger
//   - refresher  *AccountService              → trial evaluation on login/me
//   - tokens     *auth.TokenService           → session JWTs
//   - passwords  *auth.PasswordService        → bcrypt
type AuthService struct {
	accounts     repository.AccountRepository
	refresher    *AccountService
	tokens       *auth.TokenService
	passwords    *auth.PasswordService
	validate     *validator.Validate
	logger       *slog.Logger
	trialCredits int
	now          func() time.Time
}

func NewAuthService(
	accounts repository.AccountRepository,
	refresher *AccountService,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
	trialCredits int,
) *AuthService {
	v := validator.New()
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &AuthService{
		accounts:     accounts,
		refresher:    refresher,
		tokens:       tokens,
		passwords:    passwords,
		validate:     v,
		logger:       logger,
		trialCredits: trialCredits,
		now:          time.Now,
	}
}

// SignUpInput is the sign-up request body.
type SignUpInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Name     string `json:"name" validate:"max=100"`
}

// AuthResult bundles the account and the issued token so the handler can
// set the cookie and respond in one step.
type AuthResult struct {
	Account *model.Account
	Token   string
}

// SignUp creates an account in its free-trial state and signs it in.
func (s *AuthService) SignUp(ctx context.Context, in SignUpInput) (*AuthResult, error) {
	in.Email = model.NormalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)

	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	// bcrypt reads at most 72 bytes; multi-byte runes can pass the rune count.
	if len(in.Password) > 72 {
		return nil, apperror.ValidationFailed("password", "password must be at most 72 bytes")
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	acct := &model.Account{
		Email:            in.Email,
		PasswordHash:     hash,
		Name:             in.Name,
		CreditsRemaining: s.trialCredits,
		IsTrialActive:    true,
		TrialStartDate:   s.now().UTC(),
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, &apperror.AppError{
				Err:     apperror.ErrConflict,
				Message: "An account with this email already exists",
				Field:   "email",
			}
		}
		return nil, fmt.Errorf("service/auth: creating account: %w", err)
	}

	s.logger.InfoContext(ctx, "account created",
		slog.String("accountID", acct.ID),
		slog.Int("trialCredits", acct.CreditsRemaining),
	)

	return s.issue(acct)
}

// Login checks the credentials. Unknown email and wrong password produce
// the same error and take the same time.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperror.ValidationFailed("email", "Email and password are required")
	}

	acct, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			_ = s.passwords.VerifyDummy(password)
			return nil, apperror.Unauthorized(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: looking up account: %w", err)
	}

	if err := s.passwords.Verify(acct.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, apperror.Unauthorized(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	acct, err = s.refresher.Refresh(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return s.issue(acct)
}

// Current returns the signed-in account with its trial state refreshed.
func (s *AuthService) Current(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.refresher.Refresh(ctx, accountID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// A valid token for a vanished account is still no session.
			return nil, apperror.Unauthorized("Authentication required")
		}
		return nil, err
	}
	return acct, nil
}

func (s *AuthService) issue(acct *model.Account) (*AuthResult, error) {
	token, err := s.tokens.Generate(acct.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing token: %w", err)
	}
	return &AuthResult{Account: acct, Token: token}, nil
}

// validationError turns the first validator failure into an AppError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.ValidationFailed("", "Invalid request")
	}

	fe := verrs[0]
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "email":
		msg = "A valid email address is required"
	case "min":
		msg = fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		msg = fmt.Sprintf("%s is invalid", field)
	}
	return apperror.ValidationFailed(field, msg)
}
