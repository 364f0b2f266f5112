package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bynd-app/backend/internal/db"
	"github.com/bynd-app/backend/internal/model"
	"github.com/bynd-app/backend/internal/obs"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	refreshTokenBytes  = 40
	refreshJTIBytes    = 10
	maxRefreshTokenLen = 512

	ReasonTokenReuse   = "TOKEN_REUSE_DETECTED"
	ReasonLogout       = "LOGOUT"
	ReasonLogoutAll    = "LOGOUT_ALL"
	ReasonRotationLost = "ROTATION_LOST"
)

var errRotationLost = errors.New("refresh token already rotated")

// refreshTokenRepo - refresh_tokens 저장소 인터페이스 (db.Postgres, db.Memory)
type refreshTokenRepo interface {
	InsertRefreshToken(ctx context.Context, token model.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	MarkRefreshTokenReplaced(ctx context.Context, jti, replacedByJTI string) (bool, error)
	RevokeRefreshToken(ctx context.Context, jti, reason string) error
	RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) (int64, error)
	RevokeUserRefreshTokens(ctx context.Context, userID, reason string) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// RefreshTokenService - opaque refresh token 발급, rotation, 재사용 탐지, 폐기
type RefreshTokenService struct {
	repo    refreshTokenRepo
	ttl     time.Duration
	hashKey []byte
	now     func() time.Time
	log     *zap.Logger
}

func NewRefreshTokenService(repo refreshTokenRepo, ttl time.Duration, hashKey string, log *zap.Logger) *RefreshTokenService {
	if log == nil {
		log = zap.NewNop()
	}
	var key []byte
	if hashKey != "" {
		key = []byte(hashKey)
	}
	return &RefreshTokenService{
		repo:    repo,
		ttl:     ttl,
		hashKey: key,
		now:     time.Now,
		log:     log,
	}
}

// Issue - 새 refresh token 발급. prev 가 있으면 같은 family 로 이어 붙인다.
// 새 레코드를 먼저 저장한 뒤 prev 의 replaced_by_jti 를 check-and-set 한다.
// 다른 요청이 먼저 prev 를 소비했다면 errRotationLost
func (s *RefreshTokenService) Issue(ctx context.Context, userID string, prev *model.RefreshToken) (*model.IssuedRefreshToken, error) {
	plain, err := randomHex(refreshTokenBytes)
	if err != nil {
		return nil, err
	}
	jti, err := randomHex(refreshJTIBytes)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := model.RefreshToken{
		JTI:       jti,
		TokenHash: s.hash(plain),
		UserID:    userID,
		FamilyID:  ulid.Make().String(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if prev != nil {
		rec.FamilyID = prev.FamilyID
		rec.PrevJTI = prev.JTI
	}

	if err := s.repo.InsertRefreshToken(ctx, rec); err != nil {
		return nil, storageErr(err)
	}

	if prev != nil {
		ok, err := s.repo.MarkRefreshTokenReplaced(ctx, prev.JTI, rec.JTI)
		if err != nil {
			return nil, storageErr(err)
		}
		if !ok {
			// 새 레코드는 평문이 전달되지 않으므로 바로 폐기
			if err := s.repo.RevokeRefreshToken(ctx, rec.JTI, ReasonRotationLost); err != nil {
				s.log.Error("failed to revoke orphaned refresh token",
					zap.String("family_id", rec.FamilyID),
					zap.String("jti", rec.JTI),
					zap.Error(err))
			}
			return nil, errRotationLost
		}
	}

	return &model.IssuedRefreshToken{Record: rec, Plaintext: plain}, nil
}

// FindByPlaintext - 결정적 해시로 O(1) 조회 후 상수 시간 비교
// 일치하는 레코드가 없으면 ErrInvalidRefreshToken
func (s *RefreshTokenService) FindByPlaintext(ctx context.Context, plain string) (*model.RefreshToken, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" || len(plain) > maxRefreshTokenLen {
		return nil, ErrInvalidRefreshToken
	}

	hash := s.hash(plain)
	rec, err := s.repo.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, storageErr(err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hash)) != 1 {
		return nil, ErrInvalidRefreshToken
	}
	return rec, nil
}

// Validate - 존재하고, 폐기되지 않았고, 만료 전인 레코드만 통과
func (s *RefreshTokenService) Validate(ctx context.Context, plain string) (*model.RefreshToken, error) {
	rec, err := s.FindByPlaintext(ctx, plain)
	if err != nil {
		return nil, err
	}
	if rec.Revoked || !s.now().Before(rec.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}
	return rec, nil
}

// Rotate - 유효한 토큰을 소비하고 같은 family 의 새 토큰을 발급한다.
// 이미 rotation 된 토큰이 다시 오면 family 전체를 폐기하고 ErrTokenReuseDetected
func (s *RefreshTokenService) Rotate(ctx context.Context, plain string) (*model.IssuedRefreshToken, error) {
	rec, err := s.Validate(ctx, plain)
	if err != nil {
		return nil, err
	}

	if rec.Rotated() {
		return nil, s.reuseDetected(ctx, rec)
	}

	issued, err := s.Issue(ctx, rec.UserID, rec)
	if err != nil {
		if errors.Is(err, errRotationLost) {
			return nil, s.rotationLost(ctx, plain, rec)
		}
		return nil, err
	}
	return issued, nil
}

// rotationLost - check-and-set 에서 졌을 때 현재 상태를 다시 읽어 원인을 구분한다.
// 동시 logout 으로 폐기된 경우는 재사용이 아니다.
func (s *RefreshTokenService) rotationLost(ctx context.Context, plain string, rec *model.RefreshToken) error {
	cur, err := s.FindByPlaintext(ctx, plain)
	if err != nil {
		return err
	}
	if cur.Revoked && !cur.Rotated() {
		return ErrInvalidRefreshToken
	}
	return s.reuseDetected(ctx, rec)
}

func (s *RefreshTokenService) reuseDetected(ctx context.Context, rec *model.RefreshToken) error {
	obs.RefreshReuseDetected.Inc()
	n, err := s.repo.RevokeRefreshTokenFamily(ctx, rec.FamilyID, ReasonTokenReuse)
	if err != nil {
		s.log.Error("failed to revoke refresh token family after reuse, family needs sweeping",
			zap.String("user_id", rec.UserID),
			zap.String("family_id", rec.FamilyID),
			zap.Error(err))
		return storageErr(err)
	}
	s.log.Warn("refresh token reuse detected, family revoked",
		zap.String("user_id", rec.UserID),
		zap.String("family_id", rec.FamilyID),
		zap.String("jti", rec.JTI),
		zap.Int64("revoked", n))
	return ErrTokenReuseDetected
}

func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if _, err := s.repo.RevokeRefreshTokenFamily(ctx, familyID, reason); err != nil {
		return storageErr(err)
	}
	return nil
}

// RevokeToken - 제시된 토큰 하나만 폐기. 알 수 없는 토큰이면 아무것도 하지 않는다.
func (s *RefreshTokenService) RevokeToken(ctx context.Context, plain, reason string) error {
	rec, err := s.FindByPlaintext(ctx, plain)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return nil
		}
		return err
	}
	if err := s.repo.RevokeRefreshToken(ctx, rec.JTI, reason); err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *RefreshTokenService) RevokeUser(ctx context.Context, userID, reason string) (int64, error) {
	n, err := s.repo.RevokeUserRefreshTokens(ctx, userID, reason)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// PruneExpired - 만료 후 TTL 한 주기가 더 지난 레코드 삭제
func (s *RefreshTokenService) PruneExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredRefreshTokens(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// RunPruner - ctx 가 끝날 때까지 interval 마다 PruneExpired (실패는 로그만)
func (s *RefreshTokenService) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PruneExpired(ctx)
			if err != nil {
				s.log.Warn("refresh token prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("pruned expired refresh tokens", zap.Int64("count", n))
			}
		}
	}
}

// hash - HMAC-SHA256(key) hex, 키가 없으면 SHA-256 hex
func (s *RefreshTokenService) hash(plain string) string {
	if len(s.hashKey) == 0 {
		sum := sha256.Sum256([]byte(plain))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write([]byte(plain))
	return hex.EncodeToString(mac.Sum(nil))
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
