package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"unionhall/internal/mail"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 30 * time.Minute
	DefaultSessionLimit = 5
)

// Store is what the service needs from persistent storage. *Repository
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	CreateAccount(ctx context.Context, email, passwordHash, displayName string) (Account, error)
	SetEmailVerified(ctx context.Context, accountID string) error
	UpdatePassword(ctx context.Context, accountID, passwordHash string) error

	RecordLoginFailure(ctx context.Context, accountID string, threshold int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ClearLockout(ctx context.Context, accountID string) error
	RecordLoginSuccess(ctx context.Context, accountID string, now time.Time) error

	AssignRole(ctx context.Context, accountID, role, grantedBy string, expiresAt *time.Time) error
	RevokeRole(ctx context.Context, accountID, role string) error
	GetActiveRoles(ctx context.Context, accountID string, now time.Time) ([]string, error)

	CreateSession(ctx context.Context, accountID, tokenID string, issuedAt, expiresAt time.Time) (Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	TouchSession(ctx context.Context, sessionID string, now time.Time) error
	RevokeSession(ctx context.Context, sessionID, reason string, now time.Time) error
	RevokeAccountSessions(ctx context.Context, accountID, reason string, now time.Time) error
	ListActiveSessions(ctx context.Context, accountID string, now time.Time) ([]Session, error)
	EnforceSessionLimit(ctx context.Context, accountID string, limit int, now time.Time) error

	InsertLoginAttempt(ctx context.Context, attempt LoginAttempt) error
}

type Service struct {
	store        Store
	tokens       *TokenService
	mailer       mail.Sender
	baseURL      string
	maxAttempts  int
	lockDuration time.Duration
	sessionLimit int
	bcryptCost   int
	now          func() time.Time
}

func NewService(store Store, tokens *TokenService, mailer mail.Sender, baseURL string) *Service {
	return &Service{
		store:        store,
		tokens:       tokens,
		mailer:       mailer,
		baseURL:      strings.TrimRight(baseURL, "/"),
		maxAttempts:  DefaultMaxAttempts,
		lockDuration: DefaultLockDuration,
		sessionLimit: DefaultSessionLimit,
		bcryptCost:   DefaultBcryptCost,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, sessionLimit, bcryptCost int) *Service {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if sessionLimit > 0 {
		s.sessionLimit = sessionLimit
	}
	if bcryptCost > 0 {
		s.bcryptCost = bcryptCost
	}
	return s
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates an account and sends the verification mail. A duplicate
// email is silently accepted so registration cannot be used to probe for
// existing accounts.
func (s *Service) Register(ctx context.Context, email, password, displayName string) error {
	email = normalizeEmail(email)

	if _, err := s.store.GetAccountByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	account, err := s.store.CreateAccount(ctx, email, hash, displayName)
	if err != nil {
		return err
	}

	if err := s.store.AssignRole(ctx, account.ID, RoleMember, "system", nil); err != nil {
		return err
	}

	token, err := s.tokens.IssuePurposeToken(account.ID, account.Email, TokenTypeEmailVerification)
	if err != nil {
		return err
	}

	return s.mailer.Send(ctx, account.Email, "Verify your email",
		"Confirm your address: "+mail.VerificationLink(s.baseURL, token))
}

// VerifyEmail consumes an email_verification token. The type check happens
// here, on the caller side; Decode itself is type-agnostic.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return err
	}
	if claims.TokenType != TokenTypeEmailVerification {
		return ErrTokenInvalid
	}
	return s.store.SetEmailVerified(ctx, claims.Subject)
}

// Login runs the lockout state machine and, on success, opens a session and
// issues the token pair. Every attempt lands in the login attempt log.
func (s *Service) Login(ctx context.Context, email, password string, remember bool, meta RequestMeta) (TokenPair, error) {
	email = normalizeEmail(email)
	now := s.now()

	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if logErr := s.logAttempt(ctx, nil, email, false, FailureInvalidEmail, meta); logErr != nil {
				return TokenPair{}, logErr
			}
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}

	if account.Locked(now) {
		if logErr := s.logAttempt(ctx, &account.ID, email, false, FailureAccountLocked, meta); logErr != nil {
			return TokenPair{}, logErr
		}
		return TokenPair{}, ErrAccountLocked{Until: *account.LockedUntil}
	}

	// An expired lockout window is cleared before the password is even
	// looked at; the same request proceeds as an active account.
	if account.LockedUntil != nil {
		if err := s.store.ClearLockout(ctx, account.ID); err != nil {
			return TokenPair{}, err
		}
		account.LockedUntil = nil
		account.FailedAttempts = 0
	}

	if !account.Active {
		if logErr := s.logAttempt(ctx, &account.ID, email, false, FailureAccountInactive, meta); logErr != nil {
			return TokenPair{}, logErr
		}
		return TokenPair{}, ErrAccountInactive
	}

	if !VerifyPassword(password, account.PasswordHash) {
		lockedUntil, err := s.store.RecordLoginFailure(ctx, account.ID, s.maxAttempts, s.lockDuration, now)
		if err != nil {
			return TokenPair{}, err
		}
		if logErr := s.logAttempt(ctx, &account.ID, email, false, FailureInvalidPassword, meta); logErr != nil {
			return TokenPair{}, logErr
		}
		if lockedUntil != nil {
			return TokenPair{}, ErrAccountLocked{Until: *lockedUntil}
		}
		return TokenPair{}, ErrInvalidCredentials
	}

	if err := s.store.RecordLoginSuccess(ctx, account.ID, now); err != nil {
		return TokenPair{}, err
	}

	if PasswordNeedsRehash(account.PasswordHash, s.bcryptCost) {
		if hash, hashErr := HashPassword(password, s.bcryptCost); hashErr == nil {
			_ = s.store.UpdatePassword(ctx, account.ID, hash)
		}
	}

	pair, err := s.openSession(ctx, account, remember, now)
	if err != nil {
		return TokenPair{}, err
	}

	if logErr := s.logAttempt(ctx, &account.ID, email, true, "", meta); logErr != nil {
		return TokenPair{}, logErr
	}
	return pair, nil
}

func (s *Service) openSession(ctx context.Context, account Account, remember bool, now time.Time) (TokenPair, error) {
	refresh, tokenID, expiresAt, err := s.tokens.IssueRefresh(account.ID, remember)
	if err != nil {
		return TokenPair{}, err
	}

	if _, err := s.store.CreateSession(ctx, account.ID, tokenID, now, expiresAt); err != nil {
		return TokenPair{}, err
	}
	if err := s.store.EnforceSessionLimit(ctx, account.ID, s.sessionLimit, now); err != nil {
		return TokenPair{}, err
	}

	access, err := s.issueAccess(ctx, account, now)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.tokens.AccessTTL().Seconds()),
		RefreshExpiresAt: expiresAt,
	}, nil
}

func (s *Service) issueAccess(ctx context.Context, account Account, now time.Time) (string, error) {
	roles, err := s.store.GetActiveRoles(ctx, account.ID, now)
	if err != nil {
		return "", err
	}
	return s.tokens.IssueAccess(account, roles, EffectivePermissions(roles))
}

// Refresh exchanges a live refresh token for a new access token. The session
// is touched, not rotated: the refresh token stays valid until its own expiry
// or revocation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Decode(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return TokenPair{}, ErrTokenInvalid
	}

	now := s.now()
	session, err := s.store.GetSessionByTokenHash(ctx, HashTokenID(claims.ID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}
	if !session.Active(now) {
		return TokenPair{}, ErrTokenInvalid
	}

	account, err := s.store.GetAccountByID(ctx, session.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}
	if !account.Active {
		return TokenPair{}, ErrAccountInactive
	}

	if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
		return TokenPair{}, err
	}

	access, err := s.issueAccess(ctx, account, now)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.tokens.AccessTTL().Seconds()),
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// Logout is best-effort: a token that no longer decodes still ends the
// session from the user's point of view, so it never fails on bad input.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.Decode(refreshToken)
	if err != nil || claims.TokenType != TokenTypeRefresh {
		return nil
	}

	session, err := s.store.GetSessionByTokenHash(ctx, HashTokenID(claims.ID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	return s.store.RevokeSession(ctx, session.ID, "logout", s.now())
}

// ForgotPassword sends a reset link when the account exists. Callers respond
// identically either way, so the outcome never reveals account existence.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	token, err := s.tokens.IssuePurposeToken(account.ID, account.Email, TokenTypePasswordReset)
	if err != nil {
		return err
	}

	return s.mailer.Send(ctx, account.Email, "Reset your password",
		"Reset your password: "+mail.ResetLink(s.baseURL, token))
}

// ResetPassword consumes a password_reset token, replaces the hash and
// revokes every open session for the account.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return err
	}
	if claims.TokenType != TokenTypePasswordReset {
		return ErrTokenInvalid
	}

	hash, err := HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, claims.Subject, hash); err != nil {
		return err
	}
	return s.store.RevokeAccountSessions(ctx, claims.Subject, "password_reset", s.now())
}

// Sessions lists the account's active devices.
func (s *Service) Sessions(ctx context.Context, accountID string) ([]Session, error) {
	return s.store.ListActiveSessions(ctx, accountID, s.now())
}

// RevokeSessionByID ends one of the caller's own sessions. A session id
// belonging to someone else is reported as not found.
func (s *Service) RevokeSessionByID(ctx context.Context, accountID, sessionID string) error {
	sessions, err := s.store.ListActiveSessions(ctx, accountID, s.now())
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if session.ID == sessionID {
			return s.store.RevokeSession(ctx, session.ID, "revoked_by_owner", s.now())
		}
	}
	return ErrNotFound
}

// AssignRole grants a catalog role to an account.
func (s *Service) AssignRole(ctx context.Context, accountID, role, grantedBy string, expiresAt *time.Time) error {
	if _, ok := RolePermissions[role]; !ok {
		return fmt.Errorf("%w: unknown role %q", ErrNotFound, role)
	}
	if _, err := s.store.GetAccountByID(ctx, accountID); err != nil {
		return err
	}
	return s.store.AssignRole(ctx, accountID, role, grantedBy, expiresAt)
}

func (s *Service) RevokeRole(ctx context.Context, accountID, role string) error {
	return s.store.RevokeRole(ctx, accountID, role)
}

// BootstrapAdmin guarantees a verified admin account exists with the given
// credentials. No-op when either value is empty.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	account, err := s.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		account, err = s.store.CreateAccount(ctx, email, hash, "Administrator")
		if err != nil {
			return err
		}
		if err := s.store.SetEmailVerified(ctx, account.ID); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if err := s.store.UpdatePassword(ctx, account.ID, hash); err != nil {
		return err
	}

	return s.store.AssignRole(ctx, account.ID, RoleAdmin, "system", nil)
}

func (s *Service) logAttempt(ctx context.Context, accountID *string, email string, success bool, reason string, meta RequestMeta) error {
	return s.store.InsertLoginAttempt(ctx, LoginAttempt{
		AccountID:     accountID,
		Email:         email,
		Success:       success,
		FailureReason: reason,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
	})
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
