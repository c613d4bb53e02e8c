package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/models"
)

type fakeAPI struct {
	mu          sync.Mutex
	meta        *models.Metadata
	metaErr     error
	device      *models.DiscoveredDevice
	discoverErr error
	registerErr error
	result      *models.RegistrationResult

	discoverCalls []models.DiscoveryCredentials
	registerCalls []models.RegistrationRequest
	metaCalls     int

	// gate 非空时 Discover 阻塞直到收到信号。
	gate chan struct{}
}

func (f *fakeAPI) Metadata(ctx context.Context) (*models.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	return f.meta, f.metaErr
}

func (f *fakeAPI) Discover(ctx context.Context, creds models.DiscoveryCredentials) (*models.DiscoveredDevice, error) {
	f.mu.Lock()
	f.discoverCalls = append(f.discoverCalls, creds)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.device, f.discoverErr
}

func (f *fakeAPI) Register(ctx context.Context, req models.RegistrationRequest) (*models.RegistrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls = append(f.registerCalls, req)
	return f.result, f.registerErr
}

func newFake() *fakeAPI {
	return &fakeAPI{
		meta: &models.Metadata{
			Brands: []models.Brand{{ID: 1, Name: "Cisco"}, {ID: 2, Name: "Juniper"}},
			Types:  []models.DeviceType{{ID: 1, Name: "Switch"}, {ID: 2, Name: "Router"}},
			Models: catalog,
		},
		device: &models.DiscoveredDevice{
			Hostname:  "edge1",
			IPAddress: "10.0.0.9",
			Raw:       json.RawMessage(`{"hostname":"edge1"}`),
		},
		result: &models.RegistrationResult{Detail: "ok", DeviceID: 31, Hostname: "edge1"},
	}
}

func validCreds() models.DiscoveryCredentials {
	return models.DiscoveryCredentials{IPAddress: "10.0.0.9", Username: "ops", AuthPassword: "authpw", PrivPassword: "privpw"}
}

func TestSubmitRejectsBlankFields(t *testing.T) {
	for _, field := range []string{"ip", "user", "auth", "priv"} {
		t.Run(field, func(t *testing.T) {
			api := newFake()
			c := NewController(api, Options{})
			creds := validCreds()
			switch field {
			case "ip":
				creds.IPAddress = "   "
			case "user":
				creds.Username = ""
			case "auth":
				creds.AuthPassword = "\t"
			case "priv":
				creds.PrivPassword = ""
			}

			err := c.Submit(context.Background(), creds)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, api.discoverCalls)

			snap := c.Snapshot()
			assert.Equal(t, Idle, snap.State)
			assert.Equal(t, Message{Kind: KindError, Text: "Please fill in all required fields."}, snap.Message)
		})
	}
}

func TestSubmitSuccessClearsPasswords(t *testing.T) {
	api := newFake()
	c := NewController(api, Options{})
	require.NoError(t, c.LoadMetadata(context.Background()))

	require.NoError(t, c.Submit(context.Background(), validCreds()))

	snap := c.Snapshot()
	assert.Equal(t, ReconcilingModel, snap.State)
	assert.Empty(t, snap.Form.AuthPassword)
	assert.Empty(t, snap.Form.PrivPassword)
	assert.Equal(t, "10.0.0.9", snap.Form.IPAddress)
	assert.Equal(t, "edge1", snap.Device.Hostname)
	assert.Equal(t, "Discovery Successful for IP: 10.0.0.9.", snap.Message.Text)

	require.Len(t, api.discoverCalls, 1)
	assert.Equal(t, "authpw", api.discoverCalls[0].AuthPassword, "outbound call still carries the credentials")
}

func TestPasswordsClearedWhileInFlight(t *testing.T) {
	api := newFake()
	api.gate = make(chan struct{})
	c := NewController(api, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), validCreds()) }()

	require.Eventually(t, func() bool { return c.Snapshot().State == Submitting }, time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.Empty(t, snap.Form.AuthPassword)
	assert.Empty(t, snap.Form.PrivPassword)
	assert.Equal(t, "Device Search Initiated for IP: 10.0.0.9.", snap.Message.Text)

	assert.ErrorIs(t, c.Submit(context.Background(), validCreds()), ErrBusy)
	assert.ErrorIs(t, c.ConfirmRegistration(context.Background()), ErrBusy)

	close(api.gate)
	require.NoError(t, <-done)
	api.mu.Lock()
	assert.Len(t, api.discoverCalls, 1)
	api.mu.Unlock()
}

func TestSubmitFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"declared with message", &backend.APIError{Status: 200, Detail: "SNMP Error during Model ID retrieval.", Message: "SNMP Error during Model ID retrieval."}, "Discovery Failed: SNMP Error during Model ID retrieval."},
		{"declared without message", &backend.APIError{Status: 200, Message: "HTTP Error! Status: 200"}, "Discovery Failed: Unknown error."},
		{"transport", errors.New("dial tcp: refused"), "Discovery Failed: Unknown error."},
		{"csrf", backend.ErrMissingCSRF, "Discovery Failed: CSRF token is missing. Please ensure you are logged in."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFake()
			c := NewController(api, Options{})
			require.NoError(t, c.Submit(context.Background(), validCreds()))
			require.NotNil(t, c.Snapshot().Device)

			api.discoverErr = tt.err
			api.device = nil
			require.Error(t, c.Submit(context.Background(), validCreds()))

			snap := c.Snapshot()
			assert.Equal(t, DiscoveryFailed, snap.State)
			assert.Nil(t, snap.Device, "previous device discarded")
			assert.Equal(t, tt.want, snap.Message.Text)
			assert.Equal(t, KindError, snap.Message.Kind)
		})
	}
}

func TestConfirmWithoutModelIsLocal(t *testing.T) {
	api := newFake()
	api.meta.Models = append([]models.ModelCatalogEntry(nil), catalog...)
	c := NewController(api, Options{})
	require.NoError(t, c.LoadMetadata(context.Background()))
	require.NoError(t, c.Submit(context.Background(), validCreds()))

	err := c.ConfirmRegistration(context.Background())
	assert.ErrorIs(t, err, ErrNoModel)
	assert.Empty(t, api.registerCalls)
	assert.Equal(t, "Please select the correct device model from the dropdowns before adding.", c.Snapshot().Message.Text)
}

func TestConfirmWithoutDevice(t *testing.T) {
	api := newFake()
	c := NewController(api, Options{})
	assert.ErrorIs(t, c.ConfirmRegistration(context.Background()), ErrNoDevice)
	assert.Equal(t, "Please discover a device first.", c.Snapshot().Message.Text)
	assert.Empty(t, api.registerCalls)
}

func TestCascadeAutoSelectsAndRegisters(t *testing.T) {
	api := newFake()
	var changes int
	var mu sync.Mutex
	c := NewController(api, Options{ResetDelay: 20 * time.Millisecond, OnChange: func() {
		mu.Lock()
		changes++
		mu.Unlock()
	}})
	require.NoError(t, c.LoadMetadata(context.Background()))
	require.NoError(t, c.Submit(context.Background(), validCreds()))

	c.SelectBrand(1)
	assert.Len(t, c.Snapshot().Models, 3)
	assert.Zero(t, c.Snapshot().Selection.ModelID)

	c.SelectType(1)
	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Selection.ModelID, "single candidate auto-selected")

	require.NoError(t, c.ConfirmRegistration(context.Background()))
	require.Len(t, api.registerCalls, 1)
	req := api.registerCalls[0]
	assert.Equal(t, "10.0.0.9", req.IPAddress)
	assert.Equal(t, "edge1", req.Hostname)
	assert.Equal(t, int64(1), req.ModelID)
	assert.JSONEq(t, `{"hostname":"edge1"}`, string(req.RawDiscoveryData.Data))

	snap = c.Snapshot()
	assert.Equal(t, RegistrationSucceeded, snap.State)
	assert.Equal(t, "Device edge1 registered successfully! Closing in 0 seconds...", snap.Message.Text)

	require.Eventually(t, func() bool { return c.Snapshot().State == Idle }, time.Second, 5*time.Millisecond)
	snap = c.Snapshot()
	assert.Nil(t, snap.Device)
	assert.Empty(t, snap.Message.Text)
	assert.Equal(t, Selection{}, snap.Selection)

	mu.Lock()
	assert.Positive(t, changes)
	mu.Unlock()
}

func TestRegistrationFailureKeepsReconciling(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"detail", &backend.APIError{Status: 400, Detail: "Device already exists", Message: "Device already exists"}, "Registration Failed: Device already exists"},
		{"no detail", &backend.APIError{Status: 500, Message: "HTTP Error! Status: 500"}, "Registration Failed: Unknown server error."},
		{"network", errors.New("connection reset"), "Network Error: Could not reach the registration endpoint."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFake()
			api.registerErr = tt.err
			c := NewController(api, Options{})
			require.NoError(t, c.LoadMetadata(context.Background()))
			require.NoError(t, c.Submit(context.Background(), validCreds()))
			c.SelectBrand(2)

			require.Error(t, c.ConfirmRegistration(context.Background()))
			snap := c.Snapshot()
			assert.Equal(t, ReconcilingModel, snap.State)
			assert.Equal(t, tt.want, snap.Message.Text)
			assert.NotNil(t, snap.Device)
			assert.Equal(t, int64(4), snap.Selection.ModelID)

			api.registerErr = nil
			assert.NoError(t, c.ConfirmRegistration(context.Background()), "retry without rediscovering")
			c.Close()
		})
	}
}

func TestResetCancelsAutoReset(t *testing.T) {
	api := newFake()
	c := NewController(api, Options{ResetDelay: 30 * time.Millisecond})
	require.NoError(t, c.LoadMetadata(context.Background()))
	require.NoError(t, c.Submit(context.Background(), validCreds()))
	c.SelectBrand(2)
	require.NoError(t, c.ConfirmRegistration(context.Background()))

	c.Reset()
	c.SelectBrand(1)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), c.Snapshot().Selection.BrandID, "stale timer must not wipe new state")
}

func TestLoadMetadataFailureRetries(t *testing.T) {
	api := newFake()
	api.metaErr = errors.New("boom")
	c := NewController(api, Options{})

	assert.Error(t, c.LoadMetadata(context.Background()))
	assert.Equal(t, "Error: Could not load device metadata from server.", c.Snapshot().Message.Text)

	api.metaErr = nil
	require.NoError(t, c.LoadMetadata(context.Background()))
	require.NoError(t, c.LoadMetadata(context.Background()))
	assert.Equal(t, 2, api.metaCalls)
	assert.Len(t, c.Snapshot().Metadata.Brands, 2)
}

func TestCloseRejectsCalls(t *testing.T) {
	c := NewController(newFake(), Options{})
	c.Close()
	assert.ErrorIs(t, c.Submit(context.Background(), validCreds()), ErrClosed)
	assert.ErrorIs(t, c.ConfirmRegistration(context.Background()), ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconciling_model", ReconcilingModel.String())
	assert.Equal(t, "state(42)", State(42).String())
}
