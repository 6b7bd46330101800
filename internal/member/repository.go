package member

import (
	"context"
	"database/sql"
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

func (r *Repository) List(ctx context.Context) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, full_name, email, local, dues_status, created_at, updated_at
		FROM members
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.FullName, &m.Email, &m.Local, &m.DuesStatus, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	return members, nil
}

func (r *Repository) Create(ctx context.Context, input MemberInput) (Member, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Member{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	m := Member{
		ID:         id.String(),
		FullName:   input.FullName,
		Email:      input.Email,
		Local:      input.Local,
		DuesStatus: input.DuesStatus,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO members (id, full_name, email, local, dues_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.FullName, m.Email, m.Local, m.DuesStatus, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return Member{}, fmt.Errorf("insert member: %w", err)
	}

	return m, nil
}

func (r *Repository) Update(ctx context.Context, id string, input MemberInput) (Member, error) {
	var m Member
	m.UpdatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE members
		SET full_name = $2, email = $3, local = $4, dues_status = $5, updated_at = $6
		WHERE id = $1
		RETURNING id, full_name, email, local, dues_status, created_at, updated_at
	`, id, input.FullName, input.Email, input.Local, input.DuesStatus, m.UpdatedAt).
		Scan(&m.ID, &m.FullName, &m.Email, &m.Local, &m.DuesStatus, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Member{}, err
		}
		return Member{}, fmt.Errorf("update member: %w", err)
	}

	return m, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
