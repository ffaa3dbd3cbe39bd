package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

type fakeRefreshStore struct {
	records  map[string]RefreshRecord
	accounts map[string][]string // jti → account ids
	entities map[string]bool     // role::user_id → exists
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{
		records:  make(map[string]RefreshRecord),
		accounts: make(map[string][]string),
		entities: make(map[string]bool),
	}
}

func (f *fakeRefreshStore) Insert(_ context.Context, rec RefreshRecord) error {
	f.records[rec.JTI] = rec
	return nil
}

func (f *fakeRefreshStore) Get(_ context.Context, jti string) (RefreshRecord, error) {
	rec, ok := f.records[jti]
	if !ok {
		return RefreshRecord{}, ErrNoAccount
	}
	return rec, nil
}

func (f *fakeRefreshStore) Revoke(_ context.Context, jti string) error {
	rec := f.records[jti]
	rec.Revoked = true
	f.records[jti] = rec
	return nil
}

func (f *fakeRefreshStore) CopyAccounts(_ context.Context, oldJTI, newJTI string) error {
	seen := make(map[string]bool, len(f.accounts[newJTI]))
	for _, id := range f.accounts[newJTI] {
		seen[id] = true
	}
	for _, id := range f.accounts[oldJTI] {
		if !seen[id] {
			f.accounts[newJTI] = append(f.accounts[newJTI], id)
		}
	}
	return nil
}

func (f *fakeRefreshStore) EntityExists(_ context.Context, role, userID string) (bool, error) {
	return f.entities[role+"::"+userID], nil
}

func rotatorFixture(t *testing.T) (*Rotator, *TokenService, *fakeRefreshStore) {
	t.Helper()
	svc, err := NewTokenService(testAuthConfig())
	require.NoError(t, err)
	store := newFakeRefreshStore()
	return NewRotator(svc, store, nil), svc, store
}

func seedSession(t *testing.T, svc *TokenService, store *fakeRefreshStore) (token, jti string) {
	t.Helper()
	jti = NewJTI()
	claims := Claims{Phone: "77001234567", Role: RoleBusiness}
	claims.ID = jti
	token, err := svc.MintRefresh(claims)
	require.NoError(t, err)

	store.records[jti] = RefreshRecord{
		JTI:       jti,
		UserID:    "biz-9",
		Role:      RoleBusiness,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	store.accounts[jti] = []string{"acc-1", "acc-2"}
	store.entities[RoleBusiness+"::biz-9"] = true
	return token, jti
}

func TestRotateIssuesNewSessionAndRevokesOld(t *testing.T) {
	rot, svc, store := rotatorFixture(t)
	token, oldJTI := seedSession(t, svc, store)

	sess, err := rot.Rotate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, RoleBusiness, sess.Role)
	require.NotEmpty(t, sess.AccessToken)
	require.NotEmpty(t, sess.RefreshToken)

	newClaims, err := svc.Parse(sess.RefreshToken)
	require.NoError(t, err)
	newJTI := newClaims.ID
	assert.NotEqual(t, oldJTI, newJTI)
	assert.Equal(t, "77001234567", newClaims.Phone)

	// Old session dead, new one live, account links carried over.
	assert.True(t, store.records[oldJTI].Revoked)
	assert.False(t, store.records[newJTI].Revoked)
	assert.ElementsMatch(t, []string{"acc-1", "acc-2"}, store.accounts[newJTI])
}

func TestRotateRejectsReplayedToken(t *testing.T) {
	rot, svc, store := rotatorFixture(t)
	token, _ := seedSession(t, svc, store)

	_, err := rot.Rotate(context.Background(), token)
	require.NoError(t, err)

	// The same token again hits the now-revoked record.
	_, err = rot.Rotate(context.Background(), token)
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestRotateRejectsUnknownSession(t *testing.T) {
	rot, svc, _ := rotatorFixture(t)
	token, err := svc.MintRefresh(Claims{Phone: "77001234567"})
	require.NoError(t, err)

	_, err = rot.Rotate(context.Background(), token)
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestRotateRejectsDeletedEntity(t *testing.T) {
	rot, svc, store := rotatorFixture(t)
	token, _ := seedSession(t, svc, store)
	store.entities[RoleBusiness+"::biz-9"] = false

	_, err := rot.Rotate(context.Background(), token)
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestRotateReportsExpiredRefresh(t *testing.T) {
	cfg := testAuthConfig()
	svc, err := NewTokenService(cfg)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(-60 * 24 * time.Hour) }
	token, err := svc.MintRefresh(Claims{Phone: "77001234567"})
	require.NoError(t, err)
	svc.now = time.Now

	rot := NewRotator(svc, newFakeRefreshStore(), nil)
	_, err = rot.Rotate(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredRefresh)
}

func TestSecretRedaction(t *testing.T) {
	s := config.Secret("super-secret")
	assert.NotContains(t, s.String(), "super")
}
