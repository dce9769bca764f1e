package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"userdir/internal/domain"
)

const uniqueViolation = "23505"

// PostgresUsersRepository 备用关系库账号存储
// The users table carries a UNIQUE constraint on lower(email); on this
// backend the constraint, not a prior search, is the authoritative source of
// DuplicateError.
type PostgresUsersRepository struct {
	db *sql.DB
}

// NewPostgresUsersRepository 创建关系库 Repository
func NewPostgresUsersRepository(db *sql.DB) *PostgresUsersRepository {
	return &PostgresUsersRepository{db: db}
}

var _ UserRepository = (*PostgresUsersRepository)(nil)

const userColumns = `
	id,
	email,
	password,
	role,
	email_verified,
	COALESCE(full_name, ''),
	COALESCE(nationality, ''),
	COALESCE(phone, ''),
	created_at,
	updated_at,
	last_login_at,
	COALESCE(password_reset_token, ''),
	password_reset_expires,
	COALESCE(email_verification_token, ''),
	created_by_admin,
	initial_password_changed
`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	var role string
	var lastLogin, resetExpires sql.NullTime

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&role,
		&u.EmailVerified,
		&u.FullName,
		&u.Nationality,
		&u.Phone,
		&u.CreatedAt,
		&u.UpdatedAt,
		&lastLogin,
		&u.PasswordResetToken,
		&resetExpires,
		&u.EmailVerificationToken,
		&u.CreatedByAdmin,
		&u.InitialPasswordChanged,
	)
	if err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	if resetExpires.Valid {
		u.PasswordResetExpires = resetExpires.Time
	}
	return &u, nil
}

func (r *PostgresUsersRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	if id == "" {
		return nil, domain.ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return u, err
}

func (r *PostgresUsersRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	if email == "" {
		return nil, domain.ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return u, err
}

func (r *PostgresUsersRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1))`, email,
	).Scan(&exists)
	return exists, err
}

func (r *PostgresUsersRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}

	created := *user
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Role == "" {
		created.Role = domain.RoleUser
	}
	now := time.Now().UTC()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now

	// The relational row never holds a live bind credential; it stores
	// whichever password material the caller supplied, hash preferred.
	password := created.PasswordHash
	if password == "" {
		password = created.Password
	}

	query := `
		INSERT INTO users (
			id, email, password, role, email_verified,
			full_name, nationality, phone,
			created_at, updated_at, last_login_at,
			password_reset_token, password_reset_expires, email_verification_token,
			created_by_admin, initial_password_changed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		created.ID,
		created.Email,
		password,
		string(created.Role),
		created.EmailVerified,
		nullIfEmpty(created.FullName),
		nullIfEmpty(created.Nationality),
		nullIfEmpty(created.Phone),
		created.CreatedAt,
		created.UpdatedAt,
		nullIfZero(created.LastLoginAt),
		nullIfEmpty(created.PasswordResetToken),
		nullIfZero(created.PasswordResetExpires),
		nullIfEmpty(created.EmailVerificationToken),
		created.CreatedByAdmin,
		created.InitialPasswordChanged,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, &domain.DuplicateError{Email: created.Email}
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &created, nil
}

func (r *PostgresUsersRepository) Update(ctx context.Context, id string, upd UserUpdate) (*domain.User, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if upd.Email != nil && *upd.Email != "" {
		add("email = $%d", *upd.Email)
	}
	if upd.Password != nil && *upd.Password != "" {
		add("password = $%d", *upd.Password)
	}
	if upd.PasswordHash != nil && *upd.PasswordHash != "" {
		add("password = $%d", *upd.PasswordHash)
	}
	if upd.Role != nil {
		add("role = $%d", string(*upd.Role))
	}
	if upd.EmailVerified != nil {
		add("email_verified = $%d", *upd.EmailVerified)
	}
	if upd.FullName != nil {
		add("full_name = $%d", nullIfEmpty(*upd.FullName))
	}
	if upd.Nationality != nil {
		add("nationality = $%d", nullIfEmpty(*upd.Nationality))
	}
	if upd.Phone != nil {
		add("phone = $%d", nullIfEmpty(*upd.Phone))
	}
	if upd.LastLoginAt != nil {
		add("last_login_at = $%d", *upd.LastLoginAt)
	}
	if upd.PasswordResetToken != nil {
		add("password_reset_token = $%d", nullIfEmpty(*upd.PasswordResetToken))
	}
	if upd.PasswordResetExpires != nil {
		add("password_reset_expires = $%d", nullIfZero(*upd.PasswordResetExpires))
	}
	if upd.EmailVerificationToken != nil {
		add("email_verification_token = $%d", nullIfEmpty(*upd.EmailVerificationToken))
	}
	if upd.InitialPasswordChanged != nil {
		add("initial_password_changed = $%d", *upd.InitialPasswordChanged)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, &domain.DuplicateError{Email: derefOr(upd.Email, "")}
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *PostgresUsersRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresUsersRepository) FindAll(ctx context.Context, opts FilterOptions) ([]*domain.User, error) {
	var conds []string
	var args []any
	if opts.Role != "" {
		args = append(args, string(opts.Role))
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if !opts.CreatedFrom.IsZero() {
		args = append(args, opts.CreatedFrom)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !opts.CreatedTo.IsZero() {
		args = append(args, opts.CreatedTo)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresUsersRepository) FindByRole(ctx context.Context, role domain.Role) ([]*domain.User, error) {
	return r.FindAll(ctx, FilterOptions{Role: role})
}

func (r *PostgresUsersRepository) FindByDateRange(ctx context.Context, from, to time.Time) ([]*domain.User, error) {
	return r.FindAll(ctx, FilterOptions{CreatedFrom: from, CreatedTo: to})
}

func (r *PostgresUsersRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (r *PostgresUsersRepository) CountByRole(ctx context.Context, role domain.Role) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(role)).Scan(&n)
	return n, err
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfZero(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func derefOr(s *string, def string) string {
	if s != nil {
		return *s
	}
	return def
}
