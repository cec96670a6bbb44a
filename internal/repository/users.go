package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkhromov/qa-coverage-tracker/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (r *Repository) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, username, password_hash, role, first_name, last_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, user.ID, user.Username, user.PasswordHash, string(user.Role), user.FirstName, user.LastName).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, ErrUsernameExists
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `
		SELECT user_id, username, password_hash, role, first_name, last_name, created_at, updated_at
		FROM users
		WHERE user_id = $1
	`, userID))
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `
		SELECT user_id, username, password_hash, role, first_name, last_name, created_at, updated_at
		FROM users
		WHERE username = $1
	`, username))
}

func (r *Repository) scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	var role string
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &role,
		&user.FirstName, &user.LastName, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	user.Role = domain.Role(role)

	return user, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, username, password_hash, role, first_name, last_name, created_at, updated_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		var role string
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &role,
			&user.FirstName, &user.LastName, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.Role = domain.Role(role)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}
