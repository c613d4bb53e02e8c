// Package backendtest 提供一个内存中的监控后端，用于测试。
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/hitushen/snmpdash/internal/models"
)

// Account 是可登录的测试账户。
type Account struct {
	Password string
	User     models.User
}

// Server 模拟后端 JSON API，挂载在 /api/ 下。
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	accounts   map[string]Account
	devices    []models.Device
	hidden     map[int64]bool
	interfaces map[int64][]models.InterfaceRow
	catalog    []models.CatalogModel
	meta       models.Metadata
	pref       models.FilterPreference
	discovered json.RawMessage
	discoverOK bool
	registered []models.RegistrationRequest
	hits       map[string]int
	nextID     int64
}

// New 启动测试后端，测试结束时自动关闭。
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		accounts:   make(map[string]Account),
		hidden:     make(map[int64]bool),
		interfaces: make(map[int64][]models.InterfaceRow),
		hits:       make(map[string]int),
		discoverOK: true,
		nextID:     100,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// BaseURL 返回 API 根地址。
func (s *Server) BaseURL() string {
	return s.URL + "/api/"
}

// AddAccount 注册一个测试账户。
func (s *Server) AddAccount(password string, user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[user.Username] = Account{Password: password, User: user}
}

// SetDevices 替换设备列表。
func (s *Server) SetDevices(devices ...models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append([]models.Device(nil), devices...)
}

// Hide 把设备标记为停用，默认列表不再返回。
func (s *Server) Hide(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[id] = true
}

// Hidden 报告设备是否处于停用状态。
func (s *Server) Hidden(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden[id]
}

// SetInterfaces 设置设备的接口列表。
func (s *Server) SetInterfaces(id int64, rows ...models.InterfaceRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interfaces[id] = rows
}

// SetCatalog 设置 /models/ 返回的型号。
func (s *Server) SetCatalog(models ...models.CatalogModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = models
}

// SetMetadata 设置发现向导的参考数据。
func (s *Server) SetMetadata(meta models.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
}

// SetPreference 设置保存的筛选偏好。
func (s *Server) SetPreference(p models.FilterPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pref = p
}

// Preference 返回当前保存的筛选偏好。
func (s *Server) Preference() models.FilterPreference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pref
}

// SetDiscovery 设置发现接口返回的数据，ok 为 false 时返回声明式失败。
func (s *Server) SetDiscovery(data json.RawMessage, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = data
	s.discoverOK = ok
}

// Registered 返回收到的注册请求。
func (s *Server) Registered() []models.RegistrationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RegistrationRequest(nil), s.registered...)
}

// Devices 返回当前设备列表。
func (s *Server) Devices() []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Device(nil), s.devices...)
}

// Hits 返回某个路由被调用的次数，键形如 "GET devices"。
func (s *Server) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login/{$}", s.login)
	mux.HandleFunc("POST /api/logout/{$}", s.guard("POST logout", false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /api/devices/{$}", s.guard("GET devices", false, s.listDevices))
	mux.HandleFunc("POST /api/devices/{$}", s.guard("POST devices", true, s.createDevice))
	mux.HandleFunc("GET /api/devices/{id}/{$}", s.guard("GET device", false, s.getDevice))
	mux.HandleFunc("PATCH /api/devices/{id}/{$}", s.guard("PATCH device", true, s.patchDevice))
	mux.HandleFunc("GET /api/devices/{id}/interfaces/{$}", s.guard("GET interfaces", false, s.listInterfaces))
	mux.HandleFunc("GET /api/models/{$}", s.guard("GET models", false, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, s.catalog)
	}))
	mux.HandleFunc("GET /api/preferences/{$}", s.guard("GET preferences", false, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Preference())
	}))
	mux.HandleFunc("PATCH /api/preferences/{$}", s.guard("PATCH preferences", true, s.savePreference))
	mux.HandleFunc("GET /api/metadata/{$}", s.guard("GET metadata", false, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, http.StatusOK, s.meta)
	}))
	mux.HandleFunc("POST /api/discover/{$}", s.guard("POST discover", true, s.discover))
	mux.HandleFunc("POST /api/device/register/{$}", s.guard("POST register", true, s.register))
	return mux
}

// guard 校验会话 Cookie，写操作还要求 X-CSRFToken 与 Cookie 一致。
func (s *Server) guard(key string, mutating bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[key]++
		s.mu.Unlock()

		if c, err := r.Cookie("sessionid"); err != nil || c.Value == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		if mutating {
			c, err := r.Cookie("csrftoken")
			if err != nil || r.Header.Get("X-CSRFToken") != c.Value {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "CSRF Failed: CSRF token missing."})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	s.mu.Lock()
	s.hits["POST login"]++
	acct, ok := s.accounts[body.Username]
	s.mu.Unlock()
	if !ok || acct.Password != body.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid username or password."})
		return
	}
	token := "csrf-" + body.Username
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-" + body.Username, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: token, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        acct.User.ID,
		"username":  acct.User.Username,
		"role":      acct.User.Role,
		"csrftoken": token,
	})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("include_inactive") == "true"
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if s.hidden[d.ID] && !all {
			continue
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) findLocked(r *http.Request) (int, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	for i, d := range s.devices {
		if d.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findLocked(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, s.devices[i])
}

func (s *Server) patchDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hostname *string `json:"hostname"`
		IsActive *bool   `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findLocked(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	if body.Hostname != nil {
		if *body.Hostname == "" {
			writeJSON(w, http.StatusBadRequest, map[string][]string{"hostname": {"This field may not be blank."}})
			return
		}
		s.devices[i].Name = *body.Hostname
	}
	if body.IsActive != nil {
		s.hidden[s.devices[i].ID] = !*body.IsActive
	}
	writeJSON(w, http.StatusOK, s.devices[i])
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var in models.NewDevice
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" || in.IPAddress == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"non_field_errors": {"Name and IP address are required."}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d := models.Device{ID: s.nextID, Name: in.Name, IPAddress: in.IPAddress, Status: models.DeviceStatusUp}
	for _, m := range s.catalog {
		if m.ID == in.ModelID {
			d.Model = &models.ModelRef{ID: m.ID, ModelName: m.ModelName}
		}
	}
	s.devices = append(s.devices, d)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listInterfaces(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.interfaces[id]
	if rows == nil {
		rows = []models.InterfaceRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) savePreference(w http.ResponseWriter, r *http.Request) {
	var p models.FilterPreference
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	s.mu.Lock()
	s.pref = p
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var creds models.DiscoveryCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	s.mu.Lock()
	data, ok := s.discovered, s.discoverOK
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": fmt.Sprintf("No SNMP response from %s", creds.IPAddress)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req models.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	s.mu.Lock()
	s.registered = append(s.registered, req)
	s.nextID++
	id := s.nextID
	s.devices = append(s.devices, models.Device{ID: id, Name: req.Hostname, IPAddress: req.IPAddress, Status: models.DeviceStatusUp})
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, models.RegistrationResult{Detail: "Device registered.", DeviceID: id, Hostname: req.Hostname})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
