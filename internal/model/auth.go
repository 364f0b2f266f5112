package model

import "time"

type AuthRequest struct {
	Email    string `json:"email" binding:"required,email,max=254"`
	Password string `json:"password" binding:"required,max=72"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required,min=10"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// AuthResponse - register/login/refresh 공통 응답
// ExpiresAt 은 refresh token 만료 시각, ExpiresIn 은 access token 수명(초)
type AuthResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ExpiresIn    int64     `json:"expiresIn"`
}

type AuthUser struct {
	ID  string
	JTI string
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// AccessClaims - 서명된 access token 안에만 존재하는 클레임 (DB에 저장되지 않음)
type AccessClaims struct {
	Subject   string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type AccessToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// RefreshToken - refresh_tokens 테이블 레코드
// 평문 토큰은 저장하지 않고 TokenHash 만 보관한다.
// PrevJTI, ReplacedByJTI, Reason 은 빈 문자열이 NULL 을 의미한다.
type RefreshToken struct {
	JTI           string
	TokenHash     string
	UserID        string
	FamilyID      string
	PrevJTI       string
	ReplacedByJTI string
	Revoked       bool
	Reason        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Rotated - 이미 rotation 으로 소비된 토큰인지 여부
func (t *RefreshToken) Rotated() bool {
	return t.ReplacedByJTI != ""
}

// IssuedRefreshToken - 발급 직후 한 번만 평문을 돌려주기 위한 구조체
type IssuedRefreshToken struct {
	Record    RefreshToken
	Plaintext string
}

// TokenPair - 서비스 계층 결과. UserID/AccessJTI 는 logout-all, jti 폐기에 쓰인다.
type TokenPair struct {
	UserID           string
	AccessToken      string
	AccessJTI        string
	RefreshToken     string
	RefreshExpiresAt time.Time
}
