package db

import (
	"context"
	"time"

	"github.com/bynd-app/backend/internal/model"
)

// Store - 인증 데이터 저장소. Postgres 와 Memory 가 구현한다.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, userID string) (*model.User, error)

	InsertRefreshToken(ctx context.Context, token model.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	MarkRefreshTokenReplaced(ctx context.Context, jti, replacedByJTI string) (bool, error)
	RevokeRefreshToken(ctx context.Context, jti, reason string) error
	RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) (int64, error)
	RevokeUserRefreshTokens(ctx context.Context, userID, reason string) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
