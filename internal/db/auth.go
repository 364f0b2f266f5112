package db

import (
	"context"
	"fmt"
	"time"

	"github.com/bynd-app/backend/internal/model"
	"github.com/google/uuid"
)

const (
	qCreateUser = `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id::text, email, password_hash, created_at
	`
	qGetUserByEmail = `
		SELECT id::text, email, password_hash, created_at
		FROM users
		WHERE email = $1
	`
	qGetUserByID = `
		SELECT id::text, email, password_hash, created_at
		FROM users
		WHERE id = $1
	`
	qInsertRefreshToken = `
		INSERT INTO refresh_tokens (
			jti, token_hash, user_id, family_id, prev_jti,
			replaced_by_jti, revoked, reason, created_at, expires_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULL, FALSE, NULL, $6, $7)
	`
	qGetRefreshTokenByHash = `
		SELECT jti, token_hash, user_id::text, family_id,
			COALESCE(prev_jti, ''), COALESCE(replaced_by_jti, ''),
			revoked, COALESCE(reason, ''), created_at, expires_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	qMarkRefreshTokenReplaced = `
		UPDATE refresh_tokens
		SET replaced_by_jti = $2
		WHERE jti = $1 AND replaced_by_jti IS NULL AND revoked = FALSE
	`
	qRevokeRefreshToken = `
		UPDATE refresh_tokens
		SET revoked = TRUE, reason = $2
		WHERE jti = $1
	`
	qRevokeRefreshTokenFamily = `
		UPDATE refresh_tokens
		SET revoked = TRUE, reason = $2
		WHERE family_id = $1
	`
	qRevokeUserRefreshTokens = `
		UPDATE refresh_tokens
		SET revoked = TRUE, reason = $2
		WHERE user_id = $1 AND revoked = FALSE
	`
	qDeleteExpiredRefreshTokens = `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1
	`
)

// CreateUser - 이메일은 호출자가 소문자로 정규화해서 넘긴다.
// UNIQUE(email) 위반 시 ErrDuplicate
func (db *Postgres) CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var user model.User
	err := db.Pool.QueryRow(ctx, qCreateUser, uuid.NewString(), email, passwordHash).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

func (db *Postgres) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getUser(ctx, qGetUserByEmail, email)
}

func (db *Postgres) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, ErrNotFound
	}
	return db.getUser(ctx, qGetUserByID, userID)
}

func (db *Postgres) getUser(ctx context.Context, query string, arg string) (*model.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var user model.User
	err := db.Pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (db *Postgres) InsertRefreshToken(ctx context.Context, token model.RefreshToken) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, qInsertRefreshToken,
		token.JTI,
		token.TokenHash,
		token.UserID,
		token.FamilyID,
		token.PrevJTI,
		token.CreatedAt,
		token.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func (db *Postgres) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var token model.RefreshToken
	err := db.Pool.QueryRow(ctx, qGetRefreshTokenByHash, tokenHash).Scan(
		&token.JTI,
		&token.TokenHash,
		&token.UserID,
		&token.FamilyID,
		&token.PrevJTI,
		&token.ReplacedByJTI,
		&token.Revoked,
		&token.Reason,
		&token.CreatedAt,
		&token.ExpiresAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &token, nil
}

// MarkRefreshTokenReplaced - replaced_by_jti 를 원자적으로 한 번만 설정한다.
// 이미 다른 요청이 rotation 했거나 폐기된 토큰이면 false
func (db *Postgres) MarkRefreshTokenReplaced(ctx context.Context, jti, replacedByJTI string) (bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, qMarkRefreshTokenReplaced, jti, replacedByJTI)
	if err != nil {
		return false, fmt.Errorf("failed to mark refresh token replaced: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *Postgres) RevokeRefreshToken(ctx context.Context, jti, reason string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if _, err := db.Pool.Exec(ctx, qRevokeRefreshToken, jti, reason); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (db *Postgres) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, qRevokeRefreshTokenFamily, familyID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *Postgres) RevokeUserRefreshTokens(ctx context.Context, userID, reason string) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, qRevokeUserRefreshTokens, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredRefreshTokens - before 이전에 만료된 토큰 정리
func (db *Postgres) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, qDeleteExpiredRefreshTokens, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
