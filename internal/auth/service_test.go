package auth

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery staple"

var testMeta = RequestMeta{IP: "203.0.113.9", UserAgent: "unionhall-test/1.0"}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeMailer, *fakeClock) {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := NewTokenService(testSecret).WithClock(clock.Now)
	store := newFakeStore()
	mailer := &fakeMailer{}

	service := NewService(store, tokens, mailer, "https://hall.example").
		WithSecurityConfig(5, 30*time.Minute, 5, testBcryptCost).
		WithClock(clock.Now)

	return service, store, mailer, clock
}

func seedAccount(t *testing.T, store *fakeStore, email string, active bool) *Account {
	t.Helper()
	hash, err := HashPassword(testPassword, testBcryptCost)
	require.NoError(t, err)
	return store.addAccount(email, hash, active)
}

func TestLoginSuccess(t *testing.T) {
	service, store, _, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)
	require.NoError(t, store.AssignRole(context.Background(), account.ID, RoleSteward, "system", nil))

	pair, err := service.Login(context.Background(), "Rosa@Local12.example", testPassword, false, testMeta)
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(DefaultAccessTTL.Seconds()), pair.ExpiresIn)

	attempt := store.lastAttempt()
	assert.True(t, attempt.Success)
	assert.Empty(t, attempt.FailureReason)
	assert.Equal(t, testMeta.IP, attempt.IP)
	assert.Equal(t, testMeta.UserAgent, attempt.UserAgent)

	updated, err := store.GetAccountByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastLoginAt)

	// Roles and their flattened permissions ride inside the access token.
	tokens := NewTokenService(testSecret)
	claims, err := tokens.DecodeUnverified(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleSteward}, claims.Roles)
	assert.Contains(t, claims.Permissions, "grievances:write")
}

func TestLoginUnknownEmail(t *testing.T) {
	service, store, _, _ := newTestService(t)

	_, err := service.Login(context.Background(), "nobody@example.com", testPassword, false, testMeta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	attempt := store.lastAttempt()
	assert.False(t, attempt.Success)
	assert.Equal(t, FailureInvalidEmail, attempt.FailureReason)
	assert.Nil(t, attempt.AccountID)
	assert.Equal(t, "nobody@example.com", attempt.Email)
}

func TestLoginWrongPassword(t *testing.T) {
	service, store, _, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	_, err := service.Login(context.Background(), account.Email, "wrong password", false, testMeta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	attempt := store.lastAttempt()
	assert.Equal(t, FailureInvalidPassword, attempt.FailureReason)
	require.NotNil(t, attempt.AccountID)
	assert.Equal(t, account.ID, *attempt.AccountID)

	updated, err := store.GetAccountByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailedAttempts)
	assert.Nil(t, updated.LockedUntil)
}

func TestLoginInactiveAccount(t *testing.T) {
	service, store, _, _ := newTestService(t)
	account := seedAccount(t, store, "gone@local12.example", false)

	_, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.Equal(t, FailureAccountInactive, store.lastAttempt().FailureReason)
}

func TestLockout(t *testing.T) {
	service, store, _, clock := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	// Four failures stay below the threshold of five.
	for i := 0; i < 4; i++ {
		_, err := service.Login(context.Background(), account.Email, "wrong password", false, testMeta)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The fifth failure trips the lock.
	_, err := service.Login(context.Background(), account.Email, "wrong password", false, testMeta)
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, clock.Now().Add(30*time.Minute), locked.Until)

	// Even the correct password is rejected while the window is open, and
	// the attempt is logged as account_locked.
	_, err = service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, FailureAccountLocked, store.lastAttempt().FailureReason)

	// Counter is untouched by attempts made while locked.
	updated, err := store.GetAccountByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.FailedAttempts)

	// Past the window the same request clears the lock and proceeds.
	clock.Advance(30*time.Minute + time.Second)
	_, err = service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	updated, err = store.GetAccountByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.FailedAttempts)
	assert.Nil(t, updated.LockedUntil)
}

func TestLockoutExpiryAllowsFreshFailures(t *testing.T) {
	service, store, _, clock := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	for i := 0; i < 5; i++ {
		_, _ = service.Login(context.Background(), account.Email, "wrong password", false, testMeta)
	}
	clock.Advance(31 * time.Minute)

	// A wrong password after the window counts as failure number one, not six.
	_, err := service.Login(context.Background(), account.Email, "wrong password", false, testMeta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	updated, err := store.GetAccountByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FailedAttempts)
}

func TestSessionLimitEvictsOldest(t *testing.T) {
	service, store, _, clock := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	for i := 0; i < 6; i++ {
		_, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	active, err := store.ListActiveSessions(context.Background(), account.ID, clock.Now())
	require.NoError(t, err)
	require.Len(t, active, 5)

	// The first of the six sessions is the one that was evicted.
	issued := clock.Now().Add(-6 * time.Minute)
	for _, session := range active {
		assert.True(t, session.IssuedAt.After(issued))
	}

	evicted := 0
	for _, session := range store.sessions {
		if session.RevokedReason == "session_limit" {
			evicted++
			assert.Equal(t, issued, session.IssuedAt)
		}
	}
	assert.Equal(t, 1, evicted)
}

func TestRefresh(t *testing.T) {
	service, store, _, clock := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	pair, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	refreshed, err := service.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, pair.AccessToken, refreshed.AccessToken)
	// The refresh token is not rotated.
	assert.Equal(t, pair.RefreshToken, refreshed.RefreshToken)

	sessions, err := store.ListActiveSessions(context.Background(), account.ID, clock.Now())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].LastUsedAt)
	assert.Equal(t, clock.Now(), *sessions[0].LastUsedAt)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	service, store, _, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	pair, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	_, err = service.Refresh(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	service, store, _, clock := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	pair, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	clock.Advance(DefaultRefreshTTL + time.Hour)
	_, err = service.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	service, store, _, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	pair, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	require.NoError(t, service.Logout(context.Background(), pair.RefreshToken))

	_, err = service.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// Logout stays best-effort for tokens that no longer decode.
	assert.NoError(t, service.Logout(context.Background(), "garbage"))
	assert.NoError(t, service.Logout(context.Background(), pair.RefreshToken))
}

func TestRegisterAndVerifyEmail(t *testing.T) {
	service, store, mailer, _ := newTestService(t)

	require.NoError(t, service.Register(context.Background(), "New.Member@Local12.example", testPassword, "New Member"))

	account, err := store.GetAccountByEmail(context.Background(), "new.member@local12.example")
	require.NoError(t, err)
	assert.False(t, account.EmailVerified)

	roles, err := store.GetActiveRoles(context.Background(), account.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{RoleMember}, roles)

	sent := mailer.last()
	assert.Equal(t, account.Email, sent.To)
	token := tokenFromMail(t, sent.Body)

	require.NoError(t, service.VerifyEmail(context.Background(), token))
	account, err = store.GetAccountByEmail(context.Background(), account.Email)
	require.NoError(t, err)
	assert.True(t, account.EmailVerified)

	// Registering the same email again succeeds quietly and sends nothing.
	before := len(mailer.sent)
	require.NoError(t, service.Register(context.Background(), account.Email, testPassword, "Impostor"))
	assert.Equal(t, before, len(mailer.sent))
}

func TestVerifyEmailRejectsOtherTokenTypes(t *testing.T) {
	service, store, mailer, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	require.NoError(t, service.ForgotPassword(context.Background(), account.Email))
	resetToken := tokenFromMail(t, mailer.last().Body)

	err := service.VerifyEmail(context.Background(), resetToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	service, _, mailer, _ := newTestService(t)

	require.NoError(t, service.ForgotPassword(context.Background(), "nobody@example.com"))
	assert.Empty(t, mailer.sent)
}

func TestResetPassword(t *testing.T) {
	service, store, mailer, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	pair, err := service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	require.NoError(t, service.ForgotPassword(context.Background(), account.Email))
	token := tokenFromMail(t, mailer.last().Body)

	const newPassword = "an entirely new passphrase"
	require.NoError(t, service.ResetPassword(context.Background(), token, newPassword))

	// Old sessions are dead, old password no longer works, new one does.
	_, err = service.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = service.Login(context.Background(), account.Email, testPassword, false, testMeta)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login(context.Background(), account.Email, newPassword, false, testMeta)
	assert.NoError(t, err)
}

func TestResetPasswordRejectsVerificationToken(t *testing.T) {
	service, store, mailer, _ := newTestService(t)
	seedAccount(t, store, "rosa@local12.example", true)

	require.NoError(t, service.Register(context.Background(), "fresh@local12.example", testPassword, "Fresh"))
	verificationToken := tokenFromMail(t, mailer.last().Body)

	err := service.ResetPassword(context.Background(), verificationToken, "an entirely new passphrase")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRevokeSessionByID(t *testing.T) {
	service, store, _, clock := newTestService(t)
	owner := seedAccount(t, store, "rosa@local12.example", true)
	other := seedAccount(t, store, "sam@local12.example", true)

	_, err := service.Login(context.Background(), owner.Email, testPassword, false, testMeta)
	require.NoError(t, err)
	_, err = service.Login(context.Background(), other.Email, testPassword, false, testMeta)
	require.NoError(t, err)

	ownerSessions, err := service.Sessions(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Len(t, ownerSessions, 1)

	// Someone else's session id does not resolve for this owner.
	otherSessions, err := service.Sessions(context.Background(), other.ID)
	require.NoError(t, err)
	require.Len(t, otherSessions, 1)
	err = service.RevokeSessionByID(context.Background(), owner.ID, otherSessions[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, service.RevokeSessionByID(context.Background(), owner.ID, ownerSessions[0].ID))
	remaining, err := store.ListActiveSessions(context.Background(), owner.ID, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAssignRoleUnknown(t *testing.T) {
	service, store, _, _ := newTestService(t)
	account := seedAccount(t, store, "rosa@local12.example", true)

	err := service.AssignRole(context.Background(), account.ID, "warlord", "system", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func tokenFromMail(t *testing.T, body string) string {
	t.Helper()
	idx := strings.Index(body, "token=")
	require.NotEqual(t, -1, idx, "mail body has no token: %s", body)
	raw := body[idx+len("token="):]
	token, err := url.QueryUnescape(raw)
	require.NoError(t, err)
	return token
}
