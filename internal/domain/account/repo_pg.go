package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableFor returns the table holding accounts of role.
func TableFor(role Role) string {
	switch role {
	case RolePatient:
		return "patients"
	case RoleDoctor:
		return "doctors"
	case RoleAdmin:
		return "hospitals"
	case RoleSuperAdmin:
		return "super_admins"
	}
	panic(fmt.Sprintf("account: no table for role %q", role))
}

type storePG struct {
	db    DB
	role  Role
	table string
}

func NewStorePG(db DB, role Role) Store {
	return &storePG{db: db, role: role, table: TableFor(role)}
}

// NewRegistryPG builds a registry with one Postgres store per role.
func NewRegistryPG(db DB) *Registry {
	stores := make([]Store, 0, len(Roles))
	for _, role := range Roles {
		stores = append(stores, NewStorePG(db, role))
	}
	return NewRegistry(stores...)
}

const baseColumns = `id, name, email, phone, is_active, is_google_auth,
	review_status, rejection_reason, reapply_date, profile, documents, created_at, updated_at`

func (r *storePG) Role() Role { return r.role }

func (r *storePG) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Role = r.role
	a.Email = NormalizeEmail(a.Email)

	_, err := r.db.Exec(ctx, `
		INSERT INTO `+r.table+` (
			id, name, email, phone, password_hash, is_active, is_google_auth,
			review_status, rejection_reason, reapply_date, profile, documents,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Name, a.Email, a.Phone, a.PasswordHash, a.IsActive, a.IsGoogleAuth,
		statusPtr(a.ReviewStatus), a.RejectionReason, a.ReapplyDate, jsonMap(a.Profile), jsonMap(a.Documents),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert %s: %w", r.table, err)
	}
	return nil
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+baseColumns+`, NULL::text FROM `+r.table+` WHERE id = $1`, id))
}

func (r *storePG) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+baseColumns+`, NULL::text FROM `+r.table+` WHERE email = $1`, NormalizeEmail(email)))
}

func (r *storePG) GetByEmailWithSecret(ctx context.Context, email string) (*Account, error) {
	return r.scanOne(r.db.QueryRow(ctx,
		`SELECT `+baseColumns+`, password_hash FROM `+r.table+` WHERE email = $1`, NormalizeEmail(email)))
}

func (r *storePG) Update(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE `+r.table+` SET
			name = $2, phone = $3, is_active = $4, is_google_auth = $5,
			review_status = $6, rejection_reason = $7, reapply_date = $8,
			profile = $9, documents = $10, updated_at = $11
		WHERE id = $1`,
		a.ID, a.Name, a.Phone, a.IsActive, a.IsGoogleAuth,
		statusPtr(a.ReviewStatus), a.RejectionReason, a.ReapplyDate,
		jsonMap(a.Profile), jsonMap(a.Documents), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storePG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE `+r.table+` SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("update %s password: %w", r.table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storePG) Search(ctx context.Context, q SearchQuery) ([]*Account, int, error) {
	where := []string{"1=1"}
	var args []any
	idx := 1

	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, fmt.Sprintf("review_status = ANY($%d)", idx))
		args = append(args, statuses)
		idx++
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d)", idx, idx))
		args = append(args, "%"+escapeLike(text)+"%")
		idx++
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+r.table+` WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", r.table, err)
	}

	query := fmt.Sprintf(`SELECT `+baseColumns+`, NULL::text FROM `+r.table+` WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		whereClause, idx, idx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate %s: %w", r.table, err)
	}
	return out, total, nil
}

func (r *storePG) scanOne(row pgx.Row) (*Account, error) {
	a, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *storePG) scan(row pgx.Row) (*Account, error) {
	var (
		a        Account
		status   *string
		hash     *string
		profile  map[string]string
		document map[string]string
	)
	err := row.Scan(
		&a.ID, &a.Name, &a.Email, &a.Phone, &a.IsActive, &a.IsGoogleAuth,
		&status, &a.RejectionReason, &a.ReapplyDate, &profile, &document,
		&a.CreatedAt, &a.UpdatedAt, &hash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan %s: %w", r.table, err)
	}
	a.Role = r.role
	if status != nil {
		s := ReviewStatus(*status)
		a.ReviewStatus = &s
	}
	a.PasswordHash = hash
	a.Profile = profile
	a.Documents = document
	return &a, nil
}

func statusPtr(s *ReviewStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// jsonMap keeps NOT NULL jsonb columns populated.
func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
