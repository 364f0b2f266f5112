package service

import (
	"context"
	"sync"
	"time"

	"github.com/bynd-app/backend/internal/obs"
)

// RevocationRegistry - 프로세스 로컬 access token jti 레지스트리
// 여러 인스턴스로 배포하면 공유 저장소 구현으로 교체해야 한다 (accessRegistry 인터페이스).
type RevocationRegistry struct {
	mu      sync.Mutex
	active  map[string]time.Time
	revoked map[string]time.Time

	// retention - 추적되지 않은 jti 를 폐기할 때 보관 기간 (access token TTL)
	retention time.Duration
	now       func() time.Time
}

func NewRevocationRegistry(retention time.Duration) *RevocationRegistry {
	return &RevocationRegistry{
		active:    make(map[string]time.Time),
		revoked:   make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

func (r *RevocationRegistry) Track(jti string, ttl time.Duration) {
	if jti == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[jti] = r.now().Add(ttl)
	r.reportLocked()
}

// Revoke - 멱등. 추적 중이던 만료 시각을 그대로 가져가서 그 이후에 정리된다.
func (r *RevocationRegistry) Revoke(jti string) {
	if jti == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.revoked[jti]; ok {
		return
	}
	expiresAt, ok := r.active[jti]
	if !ok {
		expiresAt = r.now().Add(r.retention)
	}
	delete(r.active, jti)
	r.revoked[jti] = expiresAt
	r.reportLocked()
}

// IsRevoked - 명시적으로 폐기된 jti 만 true. 자연 만료는 토큰 검증이 담당한다.
func (r *RevocationRegistry) IsRevoked(jti string) bool {
	if jti == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[jti]
	return ok
}

func (r *RevocationRegistry) IsTracked(jti string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jti]
	return ok
}

// PurgeExpired - 만료 시각이 지난 항목 제거. 폐기 목록도 토큰이 더 이상 검증될 수 없으면 함께 제거한다.
func (r *RevocationRegistry) PurgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for jti, expiresAt := range r.active {
		if expiresAt.Before(now) {
			delete(r.active, jti)
			removed++
		}
	}
	for jti, expiresAt := range r.revoked {
		if expiresAt.Before(now) {
			delete(r.revoked, jti)
			removed++
		}
	}
	r.reportLocked()
	return removed
}

func (r *RevocationRegistry) Len() (active, revoked int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.revoked)
}

// Run - ctx 가 끝날 때까지 interval 마다 PurgeExpired
func (r *RevocationRegistry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PurgeExpired()
		}
	}
}

func (r *RevocationRegistry) reportLocked() {
	obs.RegistryEntries.WithLabelValues("active").Set(float64(len(r.active)))
	obs.RegistryEntries.WithLabelValues("revoked").Set(float64(len(r.revoked)))
}
