package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/snmpdash/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "test.db"), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "x.db"), nil)
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	user := &models.User{ID: 7, Username: "ops", Role: models.RoleAdmin}
	require.NoError(t, s.SaveSession(ctx, "s1", user))
	require.NoError(t, s.SaveCookies(ctx, "s1", []byte(`[{"name":"sessionid","value":"abc"}]`)))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, user, got.User)
	assert.JSONEq(t, `[{"name":"sessionid","value":"abc"}]`, string(got.Cookies))
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.SaveSession(ctx, "s1", nil))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got.User)
	assert.NotEmpty(t, got.Cookies, "logout keeps the row until deleted")

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCookiesAreSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCookies(ctx, "s1", []byte("sessionid=secret-value")))

	var raw []byte
	require.NoError(t, s.DB.QueryRow(`SELECT cookies FROM sessions WHERE id = ?`, "s1").Scan(&raw))
	assert.NotContains(t, string(raw), "secret-value")

	other := newSealer([]byte("another-secret-another-secret-xx"))
	_, err := other.open(raw)
	assert.ErrorIs(t, err, ErrSealed)

	_, err = s.seal.open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealed)
}

func TestPurgeIdle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, "old", &models.User{ID: 1}))
	require.NoError(t, s.SaveSession(ctx, "fresh", &models.User{ID: 2}))

	now := time.Now()
	require.NoError(t, s.Touch(ctx, "old", now.Add(-2*time.Hour)))
	require.NoError(t, s.Touch(ctx, "fresh", now))

	ids, err := s.PurgeIdle(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	_, err = s.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, "fresh")
	assert.NoError(t, err)

	ids, err = s.PurgeIdle(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestProbeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestProbe(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.BeginProbe(ctx, 5, "https://10.0.0.5:443/")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginProbe(ctx, 5, "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, ok, "second probe while running")

	run, err := s.LatestProbe(ctx, 5)
	require.NoError(t, err)
	assert.True(t, run.Running)
	assert.Equal(t, "10.0.0.5", run.Address)

	targets, err := s.ListProbeTargets(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)

	checked := time.Now()
	ports := []models.ProbePort{
		{Port: 443, Status: models.PortStatusOpen, CheckedAt: checked},
		{Port: 22, Status: models.PortStatusClosed, CheckedAt: checked},
	}
	require.NoError(t, s.EndProbe(ctx, 5, ports, nil))

	run, err = s.LatestProbe(ctx, 5)
	require.NoError(t, err)
	assert.False(t, run.Running)
	assert.Empty(t, run.Error)
	assert.False(t, run.FinishedAt.IsZero())
	require.Len(t, run.Ports, 2)
	assert.Equal(t, 22, run.Ports[0].Port)
	assert.Equal(t, models.PortStatusClosed, run.Ports[0].Status)
	assert.Equal(t, models.PortStatusOpen, run.Ports[1].Status)

	ok, err = s.BeginProbe(ctx, 5, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.EndProbe(ctx, 5, []models.ProbePort{{Port: 22, Status: models.PortStatusOpen, CheckedAt: checked}}, errors.New("partial")))

	run, err = s.LatestProbe(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "partial", run.Error)
	require.Len(t, run.Ports, 2)
	assert.Equal(t, models.PortStatusOpen, run.Ports[0].Status)

	targets, err = s.ListProbeTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, int64(5), targets[0].DeviceID)
}

func TestResetProbes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ok, err := s.BeginProbe(ctx, 9, "10.0.0.9")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ResetProbes(ctx))
	ok, err = s.BeginProbe(ctx, 9, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")
	secret := []byte("0123456789abcdef0123456789abcdef")
	s, err := New(path, secret)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(context.Background(), "keep", &models.User{ID: 3}))
	require.NoError(t, s.Close())

	s, err = New(path, secret)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetSession(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.User.ID)
}
