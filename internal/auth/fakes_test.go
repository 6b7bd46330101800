package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	roles    []RoleAssignment
	sessions map[string]*Session
	attempts []LoginAttempt
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*Account),
		sessions: make(map[string]*Session),
	}
}

func (f *fakeStore) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

func (f *fakeStore) addAccount(email, passwordHash string, active bool) *Account {
	f.mu.Lock()
	defer f.mu.Unlock()

	account := &Account{
		ID:            f.newID("acct"),
		Email:         strings.ToLower(email),
		PasswordHash:  passwordHash,
		Active:        active,
		EmailVerified: true,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	f.accounts[account.ID] = account
	return account
}

func (f *fakeStore) GetAccountByEmail(_ context.Context, email string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			return *a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (f *fakeStore) GetAccountByID(_ context.Context, id string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		return *a, nil
	}
	return Account{}, ErrNotFound
}

func (f *fakeStore) CreateAccount(_ context.Context, email, passwordHash, displayName string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account := &Account{
		ID:           f.newID("acct"),
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.accounts[account.ID] = account
	return *account, nil
}

func (f *fakeStore) SetEmailVerified(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.EmailVerified = true
	return nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, accountID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	return nil
}

func (f *fakeStore) RecordLoginFailure(_ context.Context, accountID string, threshold int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}

	a.FailedAttempts++
	failedAt := now.UTC()
	a.LastFailedAt = &failedAt
	if a.FailedAttempts >= threshold {
		until := now.UTC().Add(lockDuration)
		a.LockedUntil = &until
		return &until, nil
	}
	return nil, nil
}

func (f *fakeStore) ClearLockout(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.FailedAttempts = 0
	a.LockedUntil = nil
	return nil
}

func (f *fakeStore) RecordLoginSuccess(_ context.Context, accountID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.FailedAttempts = 0
	a.LockedUntil = nil
	loginAt := now.UTC()
	a.LastLoginAt = &loginAt
	return nil
}

func (f *fakeStore) AssignRole(_ context.Context, accountID, role, grantedBy string, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, assignment := range f.roles {
		if assignment.AccountID == accountID && assignment.Role == role {
			f.roles[i].GrantedBy = grantedBy
			f.roles[i].ExpiresAt = expiresAt
			return nil
		}
	}
	f.roles = append(f.roles, RoleAssignment{
		AccountID: accountID,
		Role:      role,
		GrantedBy: grantedBy,
		GrantedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	})
	return nil
}

func (f *fakeStore) RevokeRole(_ context.Context, accountID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.roles[:0]
	for _, assignment := range f.roles {
		if assignment.AccountID != accountID || assignment.Role != role {
			kept = append(kept, assignment)
		}
	}
	f.roles = kept
	return nil
}

func (f *fakeStore) GetActiveRoles(_ context.Context, accountID string, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles := make([]string, 0, 4)
	for _, assignment := range f.roles {
		if assignment.AccountID != accountID {
			continue
		}
		if assignment.ExpiresAt != nil && !assignment.ExpiresAt.After(now) {
			continue
		}
		roles = append(roles, assignment.Role)
	}
	return roles, nil
}

func (f *fakeStore) CreateSession(_ context.Context, accountID, tokenID string, issuedAt, expiresAt time.Time) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session := &Session{
		ID:        f.newID("sess"),
		AccountID: accountID,
		TokenHash: HashTokenID(tokenID),
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	f.sessions[session.ID] = session
	return *session, nil
}

func (f *fakeStore) GetSessionByTokenHash(_ context.Context, tokenHash string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TokenHash == tokenHash {
			return *s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (f *fakeStore) TouchSession(_ context.Context, sessionID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	used := now.UTC()
	s.LastUsedAt = &used
	return nil
}

func (f *fakeStore) RevokeSession(_ context.Context, sessionID, reason string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		revoked := now.UTC()
		s.RevokedAt = &revoked
		s.RevokedReason = reason
	}
	return nil
}

func (f *fakeStore) RevokeAccountSessions(_ context.Context, accountID, reason string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.AccountID == accountID && s.RevokedAt == nil {
			revoked := now.UTC()
			s.RevokedAt = &revoked
			s.RevokedReason = reason
		}
	}
	return nil
}

func (f *fakeStore) ListActiveSessions(_ context.Context, accountID string, now time.Time) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := f.activeSessionsLocked(accountID, now)
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) EnforceSessionLimit(_ context.Context, accountID string, limit int, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		return nil
	}

	active := f.activeSessionsLocked(accountID, now)
	for len(active) > limit {
		oldest := active[0]
		revoked := now.UTC()
		oldest.RevokedAt = &revoked
		oldest.RevokedReason = "session_limit"
		active = active[1:]
	}
	return nil
}

// activeSessionsLocked returns pointers sorted oldest first.
func (f *fakeStore) activeSessionsLocked(accountID string, now time.Time) []*Session {
	active := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		if s.AccountID == accountID && s.Active(now) {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].IssuedAt.Equal(active[j].IssuedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].IssuedAt.Before(active[j].IssuedAt)
	})
	return active
}

func (f *fakeStore) InsertLoginAttempt(_ context.Context, attempt LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt.CreatedAt = time.Now().UTC()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeStore) lastAttempt() LoginAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.attempts) == 0 {
		return LoginAttempt{}
	}
	return f.attempts[len(f.attempts)-1]
}

// fakeMailer records outgoing mail so tests can pull tokens out of links.
type fakeMailer struct {
	mu   sync.Mutex
	sent []fakeMail
}

type fakeMail struct {
	To      string
	Subject string
	Body    string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, fakeMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) last() fakeMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return fakeMail{}
	}
	return m.sent[len(m.sent)-1]
}

// fakeClock is a mutable time source shared by service and token service.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
