package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bynd-app/backend/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const accessJTIBytes = 10

// AccessTokenIssuer - HS256 access token 발급/검증 (상태 없음)
// jti 추적과 폐기 확인은 호출자가 RevocationRegistry 로 처리한다.
type AccessTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAccessTokenIssuer(secret string, ttl time.Duration) (*AccessTokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: JWT_SECRET is required", ErrMisconfigured)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: invalid access token TTL", ErrMisconfigured)
	}
	return &AccessTokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (i *AccessTokenIssuer) TTL() time.Duration {
	return i.ttl
}

func (i *AccessTokenIssuer) Issue(userID string) (model.AccessToken, error) {
	jti, err := randomHex(accessJTIBytes)
	if err != nil {
		return model.AccessToken{}, err
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return model.AccessToken{}, err
	}

	return model.AccessToken{
		Token:     signed,
		JTI:       jti,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify - 서명과 만료만 확인한다. 만료는 ErrTokenExpired, 나머지는 ErrInvalidToken
func (i *AccessTokenIssuer) Verify(tokenStr string) (*model.AccessClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	out := &model.AccessClaims{
		Subject:   claims.Subject,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
