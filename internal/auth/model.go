package auth

import "time"

type Account struct {
	ID             string
	Email          string
	PasswordHash   string
	DisplayName    string
	Active         bool
	EmailVerified  bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	LastFailedAt   *time.Time
	MemberID       *string
	StudentID      *string
	InstructorID   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Locked derives the lockout state from the timestamp alone; there is no
// separate boolean to fall out of sync.
func (a Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// Session is one logged-in device or browser. It is never physically removed;
// revocation stamps RevokedAt and a reason.
type Session struct {
	ID            string
	AccountID     string
	TokenHash     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	RevokedReason string
	LastUsedAt    *time.Time
}

func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

type RoleAssignment struct {
	AccountID string
	Role      string
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// Failure reason codes recorded in the login attempt log.
const (
	FailureInvalidEmail    = "invalid_email"
	FailureInvalidPassword = "invalid_password"
	FailureAccountLocked   = "account_locked"
	FailureAccountInactive = "account_inactive"
)

type LoginAttempt struct {
	ID            string
	AccountID     *string
	Email         string
	Success       bool
	FailureReason string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// RequestMeta is the requester info attached to every login attempt record.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`

	// RefreshExpiresAt shapes the refresh cookie lifetime; it is not part of
	// the JSON body.
	RefreshExpiresAt time.Time `json:"-"`
}

// Principal is the authenticated identity a guard places in the request
// context after validating an access token.
type Principal struct {
	AccountID   string
	Email       string
	DisplayName string
	Roles       []string
	Permissions []string
	TokenID     string
}
