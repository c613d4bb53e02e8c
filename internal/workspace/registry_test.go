package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/snmpdash/internal/auth"
	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/backend/backendtest"
	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/realtime"
	"github.com/hitushen/snmpdash/internal/store"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	api    *backendtest.Server
	db     *store.Store
	users  *auth.UserStore
	broker *realtime.Broker
	reg    *Registry
}

func newFixture(t *testing.T, dbPath string) *fixture {
	t.Helper()
	api := backendtest.New(t)
	api.AddAccount("pw", models.User{ID: 1, Username: "ops", Role: models.RoleAdmin})
	api.SetDevices(
		models.Device{ID: 1, Name: "core-sw1", IPAddress: "10.0.0.1"},
		models.Device{ID: 2, Name: "edge-r1", IPAddress: "10.0.0.2"},
	)
	return openFixture(t, api, dbPath)
}

func openFixture(t *testing.T, api *backendtest.Server, dbPath string) *fixture {
	t.Helper()
	db, err := store.New(dbPath, secret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	users := auth.NewUserStore(db)
	broker := realtime.NewBroker()
	reg := NewRegistry(db, users, Options{
		BackendURL:   api.BaseURL(),
		PollInterval: time.Hour,
		ResetDelay:   time.Millisecond,
		IdleTimeout:  time.Minute,
		Metrics:      metrics.New(),
		Broker:       broker,
	})
	t.Cleanup(reg.Close)
	return &fixture{api: api, db: db, users: users, broker: broker, reg: reg}
}

func waitLoaded(t *testing.T, ws *Workspace) dashState {
	t.Helper()
	var s dashState
	require.Eventually(t, func() bool {
		snap := ws.Dashboard.Snapshot()
		s = dashState{loading: snap.Loading(), devices: len(snap.Devices), user: snap.User}
		return !snap.Loading() && snap.User != nil && len(snap.Devices) > 0
	}, 2*time.Second, 10*time.Millisecond)
	return s
}

type dashState struct {
	loading bool
	devices int
	user    *models.User
}

func TestLoginStartsDashboard(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "ws.db"))
	ctx := context.Background()
	events, cancel := f.broker.Subscribe("sid-1")
	defer cancel()

	user, err := f.reg.Login(ctx, "sid-1", "ops", "pw")
	require.NoError(t, err)
	assert.Equal(t, "ops", user.Username)

	ws, err := f.reg.Get(ctx, "sid-1")
	require.NoError(t, err)
	s := waitLoaded(t, ws)
	assert.Equal(t, 2, s.devices)
	assert.Equal(t, 1, f.reg.Len())

	stored, err := f.users.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "ops", stored.Username)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dashboard event on the session topic")
	}
}

func TestLoginFailureKeepsSessionAnonymous(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "ws.db"))
	ctx := context.Background()

	_, err := f.reg.Login(ctx, "sid-1", "ops", "wrong")
	require.Error(t, err)
	assert.True(t, backend.IsUnauthorized(err))

	user, err := f.users.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Nil(t, user)

	ws, err := f.reg.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, ws.Dashboard.Running())
}

func TestRehydrateAfterRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ws.db")
	f := newFixture(t, dbPath)
	ctx := context.Background()

	_, err := f.reg.Login(ctx, "sid-1", "ops", "pw")
	require.NoError(t, err)
	f.reg.Close()
	require.NoError(t, f.db.Close())

	g := openFixture(t, f.api, dbPath)
	ws, err := g.reg.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, ws.Client.HasSession())
	s := waitLoaded(t, ws)
	assert.Equal(t, "ops", s.user.Username)
}

func TestClearingIdentityDropsWorkspace(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "ws.db"))
	ctx := context.Background()

	_, err := f.reg.Login(ctx, "sid-1", "ops", "pw")
	require.NoError(t, err)
	ws, err := f.reg.Get(ctx, "sid-1")
	require.NoError(t, err)
	waitLoaded(t, ws)

	require.NoError(t, f.users.Clear(ctx, "sid-1"))
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, ws.Dashboard.Running())
}

func TestLogoutCallsBackendAndDrops(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "ws.db"))
	ctx := context.Background()

	_, err := f.reg.Login(ctx, "sid-1", "ops", "pw")
	require.NoError(t, err)
	f.reg.Logout(ctx, "sid-1")

	assert.Equal(t, 1, f.api.Hits("POST logout"))
	assert.Equal(t, 0, f.reg.Len())

	f.reg.Logout(ctx, "never-opened")
}

func TestReapDropsIdleWorkspaces(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "ws.db"))
	ctx := context.Background()

	now := time.Now()
	f.reg.now = func() time.Time { return now }
	_, err := f.reg.Get(ctx, "idle")
	require.NoError(t, err)
	require.NoError(t, f.db.SaveSession(ctx, "stale", &models.User{ID: 9}))
	require.NoError(t, f.db.Touch(ctx, "stale", now.Add(-48*time.Hour)))

	now = now.Add(2 * time.Minute)
	_, err = f.reg.Get(ctx, "busy")
	require.NoError(t, err)

	f.reg.reap(ctx)
	assert.Equal(t, 1, f.reg.Len())

	_, err = f.db.GetSession(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClosedRegistryRejectsGet(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "ws.db"))
	f.reg.Close()
	_, err := f.reg.Get(context.Background(), "sid")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = newFixture(t, filepath.Join(t.TempDir(), "ws2.db")).reg.Get(context.Background(), "")
	assert.Error(t, err)
}
