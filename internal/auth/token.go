package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type claim values. Fixed at issuance, never transitions.
const (
	TokenTypeAccess            = "access"
	TokenTypeRefresh           = "refresh"
	TokenTypeEmailVerification = "email_verification"
	TokenTypePasswordReset     = "password_reset"
)

const (
	DefaultAccessTTL      = 60 * time.Minute
	DefaultRefreshTTL     = 7 * 24 * time.Hour
	DefaultRememberTTL    = 30 * 24 * time.Hour
	emailVerificationTTL  = 24 * time.Hour
	passwordResetTokenTTL = time.Hour
)

type Claims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	MemberID     *string  `json:"member_id"`
	StudentID    *string  `json:"student_id"`
	InstructorID *string  `json:"instructor_id"`
	TokenType    string   `json:"type"`
}

// compactClaims is the payload for refresh and purpose tokens, which carry no
// identity beyond the subject. Decode still parses every token into Claims;
// the absent keys come back as zero values.
type compactClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	TokenType string `json:"type"`
}

// TokenService issues and validates signed HS256 tokens. Decode is generic:
// it never checks the type claim, that check belongs to the caller expecting
// a particular type.
type TokenService struct {
	secret      []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
	now         func() time.Time
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret:      []byte(secret),
		accessTTL:   DefaultAccessTTL,
		refreshTTL:  DefaultRefreshTTL,
		rememberTTL: DefaultRememberTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *TokenService) WithLifetimes(access, refresh, remember time.Duration) *TokenService {
	if access > 0 {
		s.accessTTL = access
	}
	if refresh > 0 {
		s.refreshTTL = refresh
	}
	if remember > 0 {
		s.rememberTTL = remember
	}
	return s
}

// WithClock overrides the time source. Tests use it to advance past expiry
// without sleeping.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueAccess embeds roles and permissions in the token so request handling
// never needs a database round-trip; the claims are stale until the next
// refresh.
func (s *TokenService) IssueAccess(account Account, roles, permissions []string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        newTokenID(),
		},
		Email:        account.Email,
		Name:         account.DisplayName,
		Roles:        roles,
		Permissions:  permissions,
		MemberID:     account.MemberID,
		StudentID:    account.StudentID,
		InstructorID: account.InstructorID,
		TokenType:    TokenTypeAccess,
	}
	return s.sign(claims)
}

// IssueRefresh returns the signed token together with its jti and expiry. The
// jti is what the session store persists (hashed); the raw token is never
// stored anywhere.
func (s *TokenService) IssueRefresh(accountID string, remember bool) (token string, tokenID string, expiresAt time.Time, err error) {
	ttl := s.refreshTTL
	if remember {
		ttl = s.rememberTTL
	}

	now := s.now()
	expiresAt = now.Add(ttl)
	tokenID = newTokenID()
	claims := compactClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
		TokenType: TokenTypeRefresh,
	}

	token, err = s.sign(claims)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, tokenID, expiresAt, nil
}

// IssuePurposeToken issues a single-purpose token for email verification
// (24h) or password reset (1h).
func (s *TokenService) IssuePurposeToken(accountID, email, purpose string) (string, error) {
	var ttl time.Duration
	switch purpose {
	case TokenTypeEmailVerification:
		ttl = emailVerificationTTL
	case TokenTypePasswordReset:
		ttl = passwordResetTokenTTL
	default:
		return "", fmt.Errorf("unsupported token purpose: %q", purpose)
	}

	now := s.now()
	claims := compactClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        newTokenID(),
		},
		Email:     email,
		TokenType: purpose,
	}
	return s.sign(claims)
}

// Decode verifies the signature and validity window. It deliberately does not
// check the type claim; callers must compare Claims.TokenType against what
// their endpoint expects.
func (s *TokenService) Decode(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// DecodeUnverified decodes the payload WITHOUT verifying the signature. It
// exists for diagnostic tooling only and must never feed an authorization
// decision; use Decode for anything security-relevant.
func (s *TokenService) DecodeUnverified(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func newTokenID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
