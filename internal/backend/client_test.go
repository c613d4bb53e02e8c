package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/snmpdash/internal/metrics"
	"github.com/hitushen/snmpdash/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/api", Metrics: metrics.New()})
	require.NoError(t, err)
	return c, srv
}

func withCSRF(c *Client) {
	c.SetCookies([]Cookie{{Name: "csrftoken", Value: "tok-1"}})
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New(Options{BaseURL: "http://nms.local:8000/api"})
	require.NoError(t, err)
	assert.Equal(t, "http://nms.local:8000/api/", c.BaseURL())

	_, err = New(Options{BaseURL: "/api/"})
	assert.Error(t, err)
}

func TestLoginInstallsRotatedCSRFToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["username"])
		assert.Equal(t, "secret", body["password"])

		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "s-1", Path: "/"})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 7, "username": "alice", "role": "admin", "csrftoken": "rotated",
		})
	})
	c, _ := newTestClient(t, mux)

	user, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, &models.User{ID: 7, Username: "alice", Role: "admin"}, user)

	token, err := c.csrfToken()
	require.NoError(t, err)
	assert.Equal(t, "rotated", token)
	assert.ElementsMatch(t, []Cookie{{Name: "sessionid", Value: "s-1"}, {Name: "csrftoken", Value: "rotated"}}, c.Cookies())
}

func TestLoginRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Invalid credentials"}`)
	}))

	_, err := c.Login(context.Background(), "alice", "wrong")
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid credentials", apiErr.Message)
	assert.True(t, IsUnauthorized(err))
}

func TestLogoutAcceptsNoContent(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/logout/", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	assert.NoError(t, c.Logout(context.Background()))
}

func TestMutatingCallWithoutCSRFIsNotSent(t *testing.T) {
	hits := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))

	_, err := c.CreateDevice(context.Background(), models.NewDevice{Name: "sw1", IPAddress: "10.0.0.1", ModelID: 3})
	assert.ErrorIs(t, err, ErrMissingCSRF)
	_, err = c.SavePreferences(context.Background(), models.FilterPreference{})
	assert.ErrorIs(t, err, ErrMissingCSRF)
	assert.Zero(t, hits)
}

func TestMutatingCallCarriesCSRFHeader(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/devices/4/", r.URL.Path)
		assert.Equal(t, "tok-1", r.Header.Get("X-CSRFToken"))
		assert.NotEmpty(t, r.Header.Get("Referer"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "core-sw", body["hostname"])
		_, _ = io.WriteString(w, `{"id":4,"name":"core-sw","ip_address":"10.0.0.4","status":"up"}`)
	}))
	withCSRF(c)

	device, err := c.UpdateDevice(context.Background(), 4, "core-sw")
	require.NoError(t, err)
	assert.Equal(t, "core-sw", device.Name)
}

func TestListDevicesQuery(t *testing.T) {
	var queries []string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		_, _ = io.WriteString(w, `[{"id":1,"name":"A","status":"up","measurements":{"cpu":{"value":12.5,"status":"good"},"memory":{"used_bytes":1048576,"free_bytes":2097152,"status":"good"}}},{"id":2,"name":"B","status":"down","measurements":{}}]`)
	}))

	devices, err := c.ListDevices(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, 12.5, devices[0].Measurements.CPU.Value)
	assert.Nil(t, devices[1].Measurements.CPU)

	_, err = c.ListDevices(context.Background(), ListOptions{IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"", "include_inactive=true"}, queries)
}

func TestErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		detail string
		want   string
	}{
		{"detail", http.StatusForbidden, `{"detail":"Not allowed"}`, "Not allowed", "Not allowed"},
		{"non field list", http.StatusBadRequest, `{"non_field_errors":["Bad pair","other"]}`, "Bad pair", "Bad pair"},
		{"non field string", http.StatusBadRequest, `{"non_field_errors":"Bad pair"}`, "Bad pair", "Bad pair"},
		{"message", http.StatusBadRequest, `{"status":"error","message":"SNMP timeout"}`, "SNMP timeout", "SNMP timeout"},
		{"unparsable", http.StatusBadGateway, `<html>oops</html>`, "", "HTTP Error! Status: 502"},
		{"empty", http.StatusInternalServerError, ``, "", "HTTP Error! Status: 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := c.GetDevice(context.Background(), 1)
			apiErr, ok := IsAPIError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.detail, apiErr.Detail)
			assert.Equal(t, tt.want, apiErr.Error())
		})
	}
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close()

	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	_, ok := IsAPIError(err)
	assert.False(t, ok)
}

func TestCookiesRoundTrip(t *testing.T) {
	c, err := New(Options{BaseURL: "http://nms.local/api/"})
	require.NoError(t, err)
	assert.False(t, c.HasSession())

	c.SetCookies([]Cookie{{Name: "sessionid", Value: "abc"}, {Name: "csrftoken", Value: "tok"}})
	restored, err := New(Options{BaseURL: "http://nms.local/api/"})
	require.NoError(t, err)
	restored.SetCookies(c.Cookies())

	assert.True(t, restored.HasSession())
	token, err := restored.csrfToken()
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}

func TestPreferencesRoundTrip(t *testing.T) {
	stored := models.FilterPreference{SelectedDeviceIDs: "1,2", IsFilterActive: true}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/preferences/", r.URL.Path)
		if r.Method == http.MethodPatch {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
		}
		_ = json.NewEncoder(w).Encode(stored)
	}))
	withCSRF(c)

	pref, err := c.LoadPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1,2", pref.SelectedDeviceIDs)

	saved, err := c.SavePreferences(context.Background(), models.FilterPreference{SelectedDeviceIDs: "5", IsFilterActive: false})
	require.NoError(t, err)
	assert.Equal(t, "5", saved.SelectedDeviceIDs)
	assert.False(t, saved.IsFilterActive)
}

func TestContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListDevices(ctx, ListOptions{})
	assert.True(t, errors.Is(err, context.Canceled))
}
