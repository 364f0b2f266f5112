package db

import (
	"context"
	"sync"
	"time"

	"github.com/bynd-app/backend/internal/model"
	"github.com/google/uuid"
)

// Memory - 단일 프로세스/테스트용 저장소
// 하나의 mutex 로 check-and-set 을 보장하지만 프로세스 간 원자성은 없다.
type Memory struct {
	mu sync.Mutex

	users       map[string]model.User
	usersByMail map[string]string

	tokens       map[string]*model.RefreshToken
	tokensByHash map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]model.User),
		usersByMail:  make(map[string]string),
		tokens:       make(map[string]*model.RefreshToken),
		tokensByHash: make(map[string]string),
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByMail[email]; ok {
		return nil, ErrDuplicate
	}
	user := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[user.ID] = user
	m.usersByMail[email] = user.ID
	return &user, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usersByMail[email]
	if !ok {
		return nil, ErrNotFound
	}
	user := m.users[id]
	return &user, nil
}

func (m *Memory) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (m *Memory) InsertRefreshToken(ctx context.Context, token model.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[token.JTI]; ok {
		return ErrDuplicate
	}
	if _, ok := m.tokensByHash[token.TokenHash]; ok {
		return ErrDuplicate
	}
	rec := token
	rec.ReplacedByJTI = ""
	rec.Revoked = false
	rec.Reason = ""
	m.tokens[rec.JTI] = &rec
	m.tokensByHash[rec.TokenHash] = rec.JTI
	return nil
}

// GetRefreshTokenByHash - 내부 레코드를 노출하지 않도록 복사본을 반환
func (m *Memory) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	jti, ok := m.tokensByHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *m.tokens[jti]
	return &rec, nil
}

func (m *Memory) MarkRefreshTokenReplaced(ctx context.Context, jti, replacedByJTI string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tokens[jti]
	if !ok || rec.ReplacedByJTI != "" || rec.Revoked {
		return false, nil
	}
	rec.ReplacedByJTI = replacedByJTI
	return true, nil
}

func (m *Memory) RevokeRefreshToken(ctx context.Context, jti, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.tokens[jti]; ok {
		rec.Revoked = true
		rec.Reason = reason
	}
	return nil
}

func (m *Memory) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.tokens {
		if rec.FamilyID == familyID {
			rec.Revoked = true
			rec.Reason = reason
			n++
		}
	}
	return n, nil
}

func (m *Memory) RevokeUserRefreshTokens(ctx context.Context, userID, reason string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.tokens {
		if rec.UserID == userID && !rec.Revoked {
			rec.Revoked = true
			rec.Reason = reason
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for jti, rec := range m.tokens {
		if rec.ExpiresAt.Before(before) {
			delete(m.tokensByHash, rec.TokenHash)
			delete(m.tokens, jti)
			n++
		}
	}
	return n, nil
}
