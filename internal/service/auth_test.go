package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/repository/memory"
)

// newTestAuthService wires an AuthService over a fresh in-memory ledger.
// Cost 4 is the bcrypt minimum and keeps the tests fast.
func newTestAuthService(t *testing.T) (*AuthService, *memory.Store, *auth.TokenService) {
	t.Helper()

	ledger := memory.New()
	tokens, err := auth.NewTokenService("test-secret-at-least-32-characters!!")
	require.NoError(t, err)

	svc := NewAuthService(
		ledger,
		newTestAccountService(ledger, nil),
		tokens,
		auth.NewPasswordServiceForTest(4),
		discardLogger(),
		3,
	)
	svc.now = func() time.Time { return testNow }
	return svc, ledger, tokens
}

func signUp(t *testing.T, svc *AuthService, email string) *AuthResult {
	t.Helper()
	res, err := svc.SignUp(context.Background(), SignUpInput{
		Email:    email,
		Password: "crayons-and-paper",
		Name:     "Sam",
	})
	require.NoError(t, err)
	return res
}

// =========================================================================
// SignUp TESTS
// =========================================================================

func TestSignUp_StartsTrial(t *testing.T) {
	svc, ledger, tokens := newTestAuthService(t)

	res := signUp(t, svc, "  Parent@Example.com ")

	require.NotNil(t, res.Account)
	assert.Equal(t, "parent@example.com", res.Account.Email)
	assert.Equal(t, 3, res.Account.CreditsRemaining)
	assert.True(t, res.Account.IsTrialActive)
	assert.Equal(t, testNow, res.Account.TrialStartDate)
	assert.Zero(t, res.Account.TotalCreditsUsed)
	assert.NotEqual(t, "crayons-and-paper", res.Account.PasswordHash)

	subject, err := tokens.Validate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, subject)

	stored := mustGet(t, ledger, res.Account.ID)
	assert.Equal(t, 3, stored.CreditsRemaining)
}

func TestSignUp_ShortPasswordsFromSixCharacters(t *testing.T) {
	for _, password := range []string{"secret1", "abcdef"} {
		t.Run(password, func(t *testing.T) {
			svc, ledger, _ := newTestAuthService(t)

			res, err := svc.SignUp(context.Background(), SignUpInput{Email: "a@x.com", Password: password})
			require.NoError(t, err)

			stored := mustGet(t, ledger, res.Account.ID)
			assert.Equal(t, 3, stored.CreditsRemaining)
			assert.True(t, stored.IsTrialActive)
			assert.Equal(t, testNow, stored.TrialStartDate)
		})
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	signUp(t, svc, "parent@example.com")

	_, err := svc.SignUp(context.Background(), SignUpInput{
		Email:    "PARENT@example.com",
		Password: "another-password",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrConflict))
	assert.Equal(t, "An account with this email already exists", err.Error())
}

func TestSignUp_Validation(t *testing.T) {
	tests := []struct {
		name      string
		input     SignUpInput
		wantField string
	}{
		{"missing email", SignUpInput{Password: "long-enough"}, "email"},
		{"malformed email", SignUpInput{Email: "not-an-email", Password: "long-enough"}, "email"},
		{"short password", SignUpInput{Email: "a@example.com", Password: "short"}, "password"},
		{"long name", SignUpInput{Email: "a@example.com", Password: "long-enough", Name: strings.Repeat("n", 101)}, "name"},
		{"password over 72 bytes", SignUpInput{Email: "a@example.com", Password: strings.Repeat("é", 40)}, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestAuthService(t)

			_, err := svc.SignUp(context.Background(), tt.input)
			require.Error(t, err)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.True(t, errors.Is(err, apperror.ErrValidation))
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

// =========================================================================
// Login TESTS
// =========================================================================

func TestLogin_Success(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	created := signUp(t, svc, "parent@example.com")

	res, err := svc.Login(context.Background(), "Parent@Example.com", "crayons-and-paper")
	require.NoError(t, err)
	assert.Equal(t, created.Account.ID, res.Account.ID)
	assert.NotEmpty(t, res.Token)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	signUp(t, svc, "parent@example.com")

	_, wrongPassword := svc.Login(context.Background(), "parent@example.com", "wrong-password")
	_, unknownEmail := svc.Login(context.Background(), "nobody@example.com", "crayons-and-paper")

	require.Error(t, wrongPassword)
	require.Error(t, unknownEmail)
	assert.True(t, errors.Is(wrongPassword, apperror.ErrUnauthorized))
	assert.True(t, errors.Is(unknownEmail, apperror.ErrUnauthorized))
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestLogin_MissingFields(t *testing.T) {
	svc, _, _ := newTestAuthService(t)

	_, err := svc.Login(context.Background(), "", "")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestLogin_AppliesTrialExpiry(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	signUp(t, svc, "parent@example.com")

	// Eight days later the trial has lapsed.
	svc.refresher.now = func() time.Time { return testNow.Add(8 * 24 * time.Hour) }

	res, err := svc.Login(context.Background(), "parent@example.com", "crayons-and-paper")
	require.NoError(t, err)
	assert.False(t, res.Account.IsTrialActive)
	assert.Zero(t, res.Account.CreditsRemaining)
}

// =========================================================================
// Current TESTS
// =========================================================================

func TestCurrent_ReturnsAccount(t *testing.T) {
	svc, _, _ := newTestAuthService(t)
	created := signUp(t, svc, "parent@example.com")

	got, err := svc.Current(context.Background(), created.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Account.Email, got.Email)
}

func TestCurrent_VanishedAccountIsUnauthenticated(t *testing.T) {
	svc, _, _ := newTestAuthService(t)

	_, err := svc.Current(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized))
}
