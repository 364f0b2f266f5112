package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bynd-app/backend/internal/db"
	"github.com/bynd-app/backend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRefreshRepo struct {
	*db.Memory
	err error
}

func (f *failingRefreshRepo) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	return nil, f.err
}

func (f *failingRefreshRepo) RevokeUserRefreshTokens(ctx context.Context, userID, reason string) (int64, error) {
	return 0, f.err
}

// logoutDuringRotation - check-and-set 직전에 다른 요청이 predecessor 를 logout 한 상황
type logoutDuringRotation struct {
	*db.Memory
}

func (l *logoutDuringRotation) MarkRefreshTokenReplaced(ctx context.Context, jti, replacedByJTI string) (bool, error) {
	if err := l.Memory.RevokeRefreshToken(ctx, jti, ReasonLogout); err != nil {
		return false, err
	}
	return l.Memory.MarkRefreshTokenReplaced(ctx, jti, replacedByJTI)
}

func newTestRefreshService(repo refreshTokenRepo) *RefreshTokenService {
	return NewRefreshTokenService(repo, 7*24*time.Hour, "refresh-hash-key", nil)
}

func TestRefreshToken_IssueAndValidate(t *testing.T) {
	store := db.NewMemory()
	svc := newTestRefreshService(store)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	assert.Len(t, issued.Plaintext, refreshTokenBytes*2)
	assert.NotEqual(t, issued.Plaintext, issued.Record.TokenHash)
	assert.NotEmpty(t, issued.Record.FamilyID)

	rec, err := svc.Validate(ctx, issued.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, issued.Record.JTI, rec.JTI)
	assert.Equal(t, "user-1", rec.UserID)

	_, err = svc.Validate(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = svc.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshToken_HashKeyChangesDigest(t *testing.T) {
	keyed := NewRefreshTokenService(db.NewMemory(), time.Hour, "k1", nil)
	plain := NewRefreshTokenService(db.NewMemory(), time.Hour, "", nil)

	assert.NotEqual(t, keyed.hash("token"), plain.hash("token"))
	assert.Equal(t, keyed.hash("token"), keyed.hash("token"))
	assert.Len(t, plain.hash("token"), 64)
}

func TestRefreshToken_Expired(t *testing.T) {
	store := db.NewMemory()
	svc := newTestRefreshService(store)
	now := time.Unix(1_700_000_000, 0)
	svc.now = fixedClock(now)

	issued, err := svc.Issue(context.Background(), "user-1", nil)
	require.NoError(t, err)

	svc.now = fixedClock(now.Add(svc.ttl))
	_, err = svc.Validate(context.Background(), issued.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshToken_RotateThenReuseRevokesFamily(t *testing.T) {
	store := db.NewMemory()
	svc := newTestRefreshService(store)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	second, err := svc.Rotate(ctx, first.Plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, first.Plaintext, second.Plaintext)
	assert.Equal(t, first.Record.FamilyID, second.Record.FamilyID)
	assert.Equal(t, first.Record.JTI, second.Record.PrevJTI)

	_, err = svc.Rotate(ctx, first.Plaintext)
	assert.ErrorIs(t, err, ErrTokenReuseDetected)

	_, err = svc.Rotate(ctx, second.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	rec, err := svc.FindByPlaintext(ctx, second.Plaintext)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
	assert.Equal(t, ReasonTokenReuse, rec.Reason)
}

func TestRefreshToken_ConcurrentRotate(t *testing.T) {
	store := db.NewMemory()
	svc := newTestRefreshService(store)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Rotate(ctx, first.Plaintext)
		}(i)
	}
	wg.Wait()

	var ok, reuse int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTokenReuseDetected):
			reuse++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, reuse)
}

func TestRefreshToken_ConcurrentLogoutIsNotReuse(t *testing.T) {
	store := db.NewMemory()
	ctx := context.Background()

	first, err := newTestRefreshService(store).Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	svc := newTestRefreshService(&logoutDuringRotation{Memory: store})
	_, err = svc.Rotate(ctx, first.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.NotErrorIs(t, err, ErrTokenReuseDetected)

	rec, err := svc.FindByPlaintext(ctx, first.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, ReasonLogout, rec.Reason)

	// 실패한 rotation 이 만든 successor 도 살아 있으면 안 된다.
	n, err := store.RevokeUserRefreshTokens(ctx, "user-1", ReasonLogoutAll)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefreshToken_RevokeToken(t *testing.T) {
	store := db.NewMemory()
	svc := newTestRefreshService(store)
	ctx := context.Background()

	a, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	b, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, a.Plaintext, ReasonLogout))
	require.NoError(t, svc.RevokeToken(ctx, "unknown", ReasonLogout))

	_, err = svc.Validate(ctx, a.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = svc.Validate(ctx, b.Plaintext)
	assert.NoError(t, err)

	n, err := svc.RevokeUser(ctx, "user-1", ReasonLogoutAll)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = svc.Validate(ctx, b.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshToken_PruneExpired(t *testing.T) {
	store := db.NewMemory()
	svc := newTestRefreshService(store)
	ctx := context.Background()
	now := time.Now()

	svc.now = fixedClock(now.Add(-3 * svc.ttl))
	old, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	svc.now = fixedClock(now)
	fresh, err := svc.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	n, err := svc.PruneExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = svc.FindByPlaintext(ctx, old.Plaintext)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = svc.FindByPlaintext(ctx, fresh.Plaintext)
	assert.NoError(t, err)
}

func TestRefreshToken_StorageFailure(t *testing.T) {
	repo := &failingRefreshRepo{Memory: db.NewMemory(), err: errors.New("connection refused")}
	svc := newTestRefreshService(repo)
	ctx := context.Background()

	_, err := svc.Rotate(ctx, "some-token")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidRefreshToken)

	err = svc.RevokeToken(ctx, "some-token", ReasonLogout)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = svc.RevokeUser(ctx, "user-1", ReasonLogoutAll)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
