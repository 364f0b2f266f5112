package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bynd-app/backend/internal/db"
	"github.com/bynd-app/backend/internal/model"
	"github.com/bynd-app/backend/internal/obs"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxEmailLength    = 254
	minPasswordLength = 8
)

// maxPasswordBytes - bcrypt 입력 한계. 넘으면 GenerateFromPassword 가 실패한다.
const maxPasswordBytes = 72

var validate = validator.New()

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmailConflict       = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrMisconfigured       = errors.New("auth config invalid")
)

// credentialStore - 사용자 저장소 인터페이스 (db.Postgres, db.Memory)
type credentialStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, userID string) (*model.User, error)
}

// accessRegistry - access token jti 추적/폐기 (RevocationRegistry)
type accessRegistry interface {
	Track(jti string, ttl time.Duration)
	Revoke(jti string)
	IsRevoked(jti string) bool
}

type AuthService struct {
	users    credentialStore
	access   *AccessTokenIssuer
	registry accessRegistry
	refresh  *RefreshTokenService
	hashCost int
	log      *zap.Logger

	// dummyHash - 없는 이메일로 로그인할 때도 bcrypt 비교 시간을 맞추기 위한 해시
	dummyHash []byte
}

func NewAuthService(
	users credentialStore,
	access *AccessTokenIssuer,
	registry accessRegistry,
	refresh *RefreshTokenService,
	hashCost int,
	log *zap.Logger,
) (*AuthService, error) {
	if users == nil || access == nil || registry == nil || refresh == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrMisconfigured)
	}
	if log == nil {
		log = zap.NewNop()
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("bynd-dummy-password"), hashCost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	return &AuthService{
		users:     users,
		access:    access,
		registry:  registry,
		refresh:   refresh,
		hashCost:  hashCost,
		log:       log,
		dummyHash: dummy,
	}, nil
}

// Register - 가입 후 바로 토큰 쌍 발급 (auto-login)
func (s *AuthService) Register(ctx context.Context, email, password string) (pair *model.TokenPair, err error) {
	defer func() { record("register", err) }()

	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailConflict
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, storageErr(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
		}
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		// 동시 가입 경쟁에서 UNIQUE 위반
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrEmailConflict
		}
		return nil, storageErr(err)
	}

	s.log.Info("user registered", zap.String("user_id", user.ID))
	return s.issueTokens(ctx, user.ID)
}

// Login - 이메일 없음과 비밀번호 불일치를 구분하지 않는다.
func (s *AuthService) Login(ctx context.Context, email, password string) (pair *model.TokenPair, err error) {
	defer func() { record("login", err) }()

	email = normalizeEmail(email)
	if email == "" || password == "" || len(email) > maxEmailLength {
		return nil, ErrInvalidInput
	}
	// 등록 정책상 72 bytes 를 넘는 비밀번호를 가진 계정은 없다.
	if len(password) > maxPasswordBytes {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, storageErr(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.issueTokens(ctx, user.ID)
}

// Refresh - refresh token rotation 후 새 access token 발급
// 이전 access token 은 폐기하지 않고 자연 만료에 맡긴다.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (pair *model.TokenPair, err error) {
	defer func() { record("refresh", err) }()

	issued, err := s.refresh.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrTokenReuseDetected) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, err
	}

	access, err := s.issueAccess(issued.Record.UserID)
	if err != nil {
		return nil, err
	}
	return newTokenPair(issued.Record.UserID, access, issued), nil
}

// Logout - 제시된 refresh token 만 폐기하고, access jti 가 있으면 best-effort 로 폐기
func (s *AuthService) Logout(ctx context.Context, refreshToken, accessJTI string) (err error) {
	defer func() { record("logout", err) }()

	if accessJTI != "" {
		s.registry.Revoke(accessJTI)
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	return s.refresh.RevokeToken(ctx, refreshToken, ReasonLogout)
}

// LogoutAll - 사용자의 모든 refresh token family 폐기 (모든 기기 로그아웃)
func (s *AuthService) LogoutAll(ctx context.Context, userID, accessJTI string) (err error) {
	defer func() { record("logout_all", err) }()

	if accessJTI != "" {
		s.registry.Revoke(accessJTI)
	}
	n, err := s.refresh.RevokeUser(ctx, userID, ReasonLogoutAll)
	if err != nil {
		return err
	}
	s.log.Info("user logged out everywhere", zap.String("user_id", userID), zap.Int64("revoked", n))
	return nil
}

// Authenticate - Bearer 토큰을 사용자로 해석. 실패 사유는 모두 ErrUnauthorized 로 감싼다.
func (s *AuthService) Authenticate(token string) (*model.AuthUser, error) {
	claims, err := s.access.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if s.registry.IsRevoked(claims.JTI) {
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
	}
	return &model.AuthUser{ID: claims.Subject, JTI: claims.JTI}, nil
}

func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, storageErr(err)
	}
	return user, nil
}

func (s *AuthService) AccessTTL() time.Duration {
	return s.access.TTL()
}

func (s *AuthService) issueTokens(ctx context.Context, userID string) (*model.TokenPair, error) {
	access, err := s.issueAccess(userID)
	if err != nil {
		return nil, err
	}

	issued, err := s.refresh.Issue(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	return newTokenPair(userID, access, issued), nil
}

func (s *AuthService) issueAccess(userID string) (model.AccessToken, error) {
	access, err := s.access.Issue(userID)
	if err != nil {
		return model.AccessToken{}, err
	}
	s.registry.Track(access.JTI, s.access.TTL())
	return access, nil
}

func newTokenPair(userID string, access model.AccessToken, refresh *model.IssuedRefreshToken) *model.TokenPair {
	return &model.TokenPair{
		UserID:           userID,
		AccessToken:      access.Token,
		AccessJTI:        access.JTI,
		RefreshToken:     refresh.Plaintext,
		RefreshExpiresAt: refresh.Record.ExpiresAt,
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateCredentials(email, password string) error {
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}

	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return fmt.Errorf("%w: password needs an uppercase letter, a lowercase letter and a number", ErrInvalidInput)
	}
	return nil
}

func record(operation string, err error) {
	obs.AuthOperations.WithLabelValues(operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrTokenReuseDetected):
		return "reuse_detected"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials):
		return "unauthorized"
	case errors.Is(err, ErrEmailConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
