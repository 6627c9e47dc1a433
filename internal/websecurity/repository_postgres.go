package websecurity

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/motech/platform/internal/shared/database"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/metrics"
)

const uniqueViolation = "23505"

// PostgresRepository stores roles in ws_roles and users in ws_users.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository on pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func observe(op string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(op, time.Since(start)) }
}

func toStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func toPermissions(values []string) []Permission {
	out := make([]Permission, len(values))
	for i, v := range values {
		out[i] = Permission(v)
	}
	return out
}

// --- Roles ---

func (r *PostgresRepository) CreateRole(ctx context.Context, role *Role) error {
	defer observe("ws_create_role")()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO ws_roles (name, permissions, deletable, created_at)
		VALUES ($1, $2, $3, $4)`,
		role.Name, toStrings(role.Permissions), role.Deletable, role.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict("role " + role.Name + " already exists")
		}
		return errors.Wrap(err, "failed to create role")
	}
	return nil
}

func (r *PostgresRepository) UpdateRole(ctx context.Context, name string, role *Role) error {
	defer observe("ws_update_role")()

	return database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE ws_roles SET name = $2, permissions = $3, deletable = $4
			WHERE name = $1`,
			name, role.Name, toStrings(role.Permissions), role.Deletable)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflict("role " + role.Name + " already exists")
			}
			return errors.Wrap(err, "failed to update role")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("role", name)
		}
		if role.Name == name {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ws_users SET roles = array_replace(roles, $1, $2)
			WHERE $1 = ANY(roles)`, name, role.Name); err != nil {
			return errors.Wrap(err, "failed to rename role on users")
		}
		return nil
	})
}

func (r *PostgresRepository) DeleteRole(ctx context.Context, name string) error {
	defer observe("ws_delete_role")()

	tag, err := r.pool.Exec(ctx, `DELETE FROM ws_roles WHERE name = $1`, name)
	if err != nil {
		return errors.Wrap(err, "failed to delete role")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("role", name)
	}
	return nil
}

func scanRole(row pgx.Row) (*Role, error) {
	var (
		role  Role
		perms []string
	)
	if err := row.Scan(&role.Name, &perms, &role.Deletable, &role.CreatedAt); err != nil {
		return nil, err
	}
	role.Permissions = toPermissions(perms)
	return &role, nil
}

func (r *PostgresRepository) GetRole(ctx context.Context, name string) (*Role, error) {
	defer observe("ws_get_role")()

	role, err := scanRole(r.pool.QueryRow(ctx, `
		SELECT name, permissions, deletable, created_at
		FROM ws_roles WHERE name = $1`, name))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("role", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get role")
	}
	return role, nil
}

func (r *PostgresRepository) ListRoles(ctx context.Context) ([]Role, error) {
	defer observe("ws_list_roles")()

	rows, err := r.pool.Query(ctx, `
		SELECT name, permissions, deletable, created_at
		FROM ws_roles ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list roles")
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan role")
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// --- Users ---

func (r *PostgresRepository) CreateUser(ctx context.Context, user *User) error {
	defer observe("ws_create_user")()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO ws_users (user_name, email, password_hash, roles, active, locale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.UserName, user.Email, user.PasswordHash, user.Roles, user.Active, user.Locale, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict("user " + user.UserName + " already exists")
		}
		return errors.Wrap(err, "failed to create user")
	}
	return nil
}

func (r *PostgresRepository) UpdateUser(ctx context.Context, user *User) error {
	defer observe("ws_update_user")()

	tag, err := r.pool.Exec(ctx, `
		UPDATE ws_users SET email = $2, password_hash = $3, roles = $4, active = $5, locale = $6
		WHERE user_name = $1`,
		user.UserName, user.Email, user.PasswordHash, user.Roles, user.Active, user.Locale)
	if err != nil {
		return errors.Wrap(err, "failed to update user")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("user", user.UserName)
	}
	return nil
}

const selectUser = `
	SELECT user_name, email, password_hash, roles, active, locale, created_at
	FROM ws_users`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.UserName, &u.Email, &u.PasswordHash, &u.Roles,
		&u.Active, &u.Locale, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, userName string) (*User, error) {
	defer observe("ws_get_user")()

	user, err := scanUser(r.pool.QueryRow(ctx, selectUser+` WHERE user_name = $1`, userName))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", userName)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}
	return user, nil
}

func (r *PostgresRepository) ListUsers(ctx context.Context) ([]User, error) {
	defer observe("ws_list_users")()

	rows, err := r.pool.Query(ctx, selectUser+` ORDER BY user_name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *PostgresRepository) CountUsersWithRole(ctx context.Context, role string) (int, error) {
	defer observe("ws_count_users")()

	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ws_users WHERE $1 = ANY(roles)`, role).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count users with role")
	}
	return n, nil
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
