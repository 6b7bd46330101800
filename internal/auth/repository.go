package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// HashTokenID is the digest under which a refresh token's jti is persisted.
// The raw token never touches the database.
func HashTokenID(tokenID string) string {
	sum := sha256.Sum256([]byte(tokenID))
	return hex.EncodeToString(sum[:])
}

type CleanupResult struct {
	DeletedSessions      int64 `json:"deleted_sessions"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}

const accountColumns = `
	id, email, password_hash, display_name, active, email_verified,
	failed_attempts, locked_until, last_login_at, last_failed_at,
	member_id, student_id, instructor_id, created_at, updated_at`

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	var lockedUntil, lastLogin, lastFailed sql.NullTime
	var memberID, studentID, instructorID sql.NullString

	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.Active, &a.EmailVerified,
		&a.FailedAttempts, &lockedUntil, &lastLogin, &lastFailed,
		&memberID, &studentID, &instructorID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	a.LockedUntil = nullTimePtr(lockedUntil)
	a.LastLoginAt = nullTimePtr(lastLogin)
	a.LastFailedAt = nullTimePtr(lastFailed)
	a.MemberID = nullStringPtr(memberID)
	a.StudentID = nullStringPtr(studentID)
	a.InstructorID = nullStringPtr(instructorID)
	return a, nil
}

func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1
	`, email)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}
	return account, nil
}

func (r *Repository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}
	return account, nil
}

func (r *Repository) CreateAccount(ctx context.Context, email, passwordHash, displayName string) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	now := time.Now().UTC()
	account := Account{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, display_name, active, email_verified, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, FALSE, 0, $5, $5)
	`, account.ID, account.Email, account.PasswordHash, account.DisplayName, now)
	if err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return account, nil
}

func (r *Repository) SetEmailVerified(ctx context.Context, accountID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET email_verified = TRUE, updated_at = $2
		WHERE id = $1
	`, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return requireRowAffected(res)
}

func (r *Repository) UpdatePassword(ctx context.Context, accountID, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, accountID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireRowAffected(res)
}

// RecordLoginFailure increments the failed-attempt counter under a row lock
// and sets the lockout timestamp once the threshold is reached. It returns
// the lockout expiry when the transition to locked happened on this call.
func (r *Repository) RecordLoginFailure(ctx context.Context, accountID string, threshold int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login failure tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&failed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock account row: %w", err)
	}

	failed++
	var lockedUntil *time.Time
	var lockedValue any
	if failed >= threshold {
		until := now.UTC().Add(lockDuration)
		lockedUntil = &until
		lockedValue = until
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET failed_attempts = $2, locked_until = $3, last_failed_at = $4, updated_at = $4
		WHERE id = $1
	`, accountID, failed, lockedValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login failure tx: %w", err)
	}
	return lockedUntil, nil
}

// ClearLockout resets the counter and lockout timestamp together, keeping the
// lockout state derivable from locked_until alone.
func (r *Repository) ClearLockout(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	return nil
}

func (r *Repository) RecordLoginSuccess(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, accountID, now.UTC())
	if err != nil {
		return fmt.Errorf("record login success: %w", err)
	}
	return nil
}

func (r *Repository) AssignRole(ctx context.Context, accountID, role, grantedBy string, expiresAt *time.Time) error {
	var expiresValue any
	if expiresAt != nil {
		expiresValue = expiresAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_roles (account_id, role, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, role)
		DO UPDATE SET granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at, expires_at = EXCLUDED.expires_at
	`, accountID, role, grantedBy, time.Now().UTC(), expiresValue)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (r *Repository) RevokeRole(ctx context.Context, accountID, role string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM account_roles
		WHERE account_id = $1 AND role = $2
	`, accountID, role)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// GetActiveRoles returns the account's role names whose assignment has not
// expired.
func (r *Repository) GetActiveRoles(ctx context.Context, accountID string, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role
		FROM account_roles
		WHERE account_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY granted_at ASC
	`, accountID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query active roles: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0, 4)
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

func (r *Repository) CreateSession(ctx context.Context, accountID, tokenID string, issuedAt, expiresAt time.Time) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	session := Session{
		ID:        id.String(),
		AccountID: accountID,
		TokenHash: HashTokenID(tokenID),
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, account_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.AccountID, session.TokenHash, session.IssuedAt, session.ExpiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (r *Repository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error) {
	var s Session
	var revokedAt, lastUsed sql.NullTime
	var revokedReason sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, token_hash, issued_at, expires_at, revoked_at, revoked_reason, last_used_at
		FROM auth_sessions
		WHERE token_hash = $1
	`, tokenHash).Scan(&s.ID, &s.AccountID, &s.TokenHash, &s.IssuedAt, &s.ExpiresAt, &revokedAt, &revokedReason, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}

	s.RevokedAt = nullTimePtr(revokedAt)
	s.RevokedReason = revokedReason.String
	s.LastUsedAt = nullTimePtr(lastUsed)
	return s, nil
}

func (r *Repository) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET last_used_at = $2
		WHERE id = $1
	`, sessionID, now.UTC())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// RevokeSession keeps the row and stamps revocation; sessions are never
// physically removed outside maintenance cleanup.
func (r *Repository) RevokeSession(ctx context.Context, sessionID, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = COALESCE(revoked_at, $2), revoked_reason = COALESCE(NULLIF(revoked_reason, ''), $3)
		WHERE id = $1
	`, sessionID, now.UTC(), reason)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *Repository) RevokeAccountSessions(ctx context.Context, accountID, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = $2, revoked_reason = $3
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID, now.UTC(), reason)
	if err != nil {
		return fmt.Errorf("revoke account sessions: %w", err)
	}
	return nil
}

func (r *Repository) ListActiveSessions(ctx context.Context, accountID string, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, token_hash, issued_at, expires_at, revoked_at, revoked_reason, last_used_at
		FROM auth_sessions
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY issued_at ASC
	`, accountID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0, 4)
	for rows.Next() {
		var s Session
		var revokedAt, lastUsed sql.NullTime
		var revokedReason sql.NullString
		if err := rows.Scan(&s.ID, &s.AccountID, &s.TokenHash, &s.IssuedAt, &s.ExpiresAt, &revokedAt, &revokedReason, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.RevokedAt = nullTimePtr(revokedAt)
		s.RevokedReason = revokedReason.String
		s.LastUsedAt = nullTimePtr(lastUsed)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// EnforceSessionLimit revokes the account's oldest active sessions until at
// most limit remain. Runs at login time; there is no background sweep.
func (r *Repository) EnforceSessionLimit(ctx context.Context, accountID string, limit int, now time.Time) error {
	if limit <= 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		WITH ranked AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY issued_at DESC) AS position
			FROM auth_sessions
			WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		)
		UPDATE auth_sessions
		SET revoked_at = $2, revoked_reason = 'session_limit'
		FROM ranked
		WHERE auth_sessions.id = ranked.id AND ranked.position > $3
	`, accountID, now.UTC(), limit)
	if err != nil {
		return fmt.Errorf("enforce session limit: %w", err)
	}
	return nil
}

func (r *Repository) InsertLoginAttempt(ctx context.Context, attempt LoginAttempt) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate attempt id: %w", err)
	}

	var accountValue any
	if attempt.AccountID != nil {
		accountValue = *attempt.AccountID
	}
	var reasonValue any
	if attempt.FailureReason != "" {
		reasonValue = attempt.FailureReason
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (id, account_id, email, success, failure_reason, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id.String(), accountValue, attempt.Email, attempt.Success, reasonValue, attempt.IP, attempt.UserAgent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (r *Repository) CleanupStaleAuthData(ctx context.Context, sessionRetention, attemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if sessionRetention <= 0 {
		sessionRetention = 14 * 24 * time.Hour
	}
	if attemptRetention <= 0 {
		attemptRetention = 90 * 24 * time.Hour
	}

	sessionCutoff := time.Now().UTC().Add(-sessionRetention)
	attemptCutoff := time.Now().UTC().Add(-attemptRetention)

	deletedSessions, err := r.deleteStaleSessions(ctx, sessionCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedAttempts, err := r.deleteStaleLoginAttempts(ctx, attemptCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedSessions:      deletedSessions,
		DeletedLoginAttempts: deletedAttempts,
	}, nil
}

func (r *Repository) deleteStaleSessions(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_sessions
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM auth_sessions s
		USING stale
		WHERE s.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale sessions rows affected: %w", err)
	}
	return affected, nil
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_login_attempts
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts a
		USING stale
		WHERE a.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}
	return affected, nil
}

func requireRowAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
