package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hitushen/snmpdash/internal/dashboard"
	"github.com/hitushen/snmpdash/internal/realtime"
)

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	view := ws.Dashboard.View(strings.TrimSpace(r.URL.Query().Get("q")))
	s.render(w, r, http.StatusOK, "dashboard", map[string]any{
		"View":   view,
		"Reload": []string{realtime.EventDevicesUpdated, realtime.EventPreferencesLoaded, realtime.EventDashboardChanged},
	})
}

// backToDashboard 保留搜索词重定向回仪表盘。
func backToDashboard(w http.ResponseWriter, r *http.Request) {
	target := "/"
	if q := strings.TrimSpace(r.FormValue("q")); q != "" {
		target += "?q=" + url.QueryEscape(q)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) dashboardSelect(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	id, valid := parseIDParam(r)
	if !valid {
		http.NotFound(w, r)
		return
	}
	ws.Dashboard.Toggle(id)
	backToDashboard(w, r)
}

func (s *Server) dashboardFilter(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	ws.Dashboard.SetFilterActive(r.FormValue("active") != "")
	backToDashboard(w, r)
}

func (s *Server) dashboardApply(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	// 失败信息已写入仪表盘状态，页面上以错误横幅展示。
	_ = ws.Dashboard.Apply(r.Context())
	backToDashboard(w, r)
}

func (s *Server) dashboardDismiss(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	ws.Dashboard.DismissError()
	backToDashboard(w, r)
}

type dashboardRow struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IPAddress string `json:"ipAddress"`
	Status    string `json:"status"`
	Selected  bool   `json:"selected"`
	CPU       string `json:"cpu"`
	CPUStatus string `json:"cpuStatus"`
	UsedMB    string `json:"usedMb"`
	FreeMB    string `json:"freeMb"`
	TotalMB   string `json:"totalMb"`
	MemStatus string `json:"memStatus"`
}

type dashboardPayload struct {
	Title        string         `json:"title"`
	Indicator    string         `json:"indicator"`
	Loading      bool           `json:"loading"`
	Error        string         `json:"error,omitempty"`
	FilterActive bool           `json:"filterActive"`
	Applied      []int64        `json:"applied"`
	Pending      []int64        `json:"pending"`
	Search       string         `json:"search"`
	Total        int            `json:"total"`
	Shown        int            `json:"shown"`
	NoneInScope  bool           `json:"noneInScope"`
	Rows         []dashboardRow `json:"rows"`
}

func newDashboardPayload(v dashboard.View) dashboardPayload {
	p := dashboardPayload{
		Title:        v.Title,
		Indicator:    v.Indicator,
		Loading:      v.Loading(),
		Error:        v.Error,
		FilterActive: v.FilterActive,
		Applied:      nonNil(v.Applied),
		Pending:      nonNil(v.Pending),
		Search:       v.Search,
		Total:        v.Total,
		Shown:        v.Shown,
		NoneInScope:  v.NoneInScope,
		Rows:         make([]dashboardRow, 0, len(v.Rows)),
	}
	for _, row := range v.Rows {
		p.Rows = append(p.Rows, dashboardRow{
			ID:        row.Device.ID,
			Name:      row.Device.Name,
			IPAddress: row.Device.IPAddress,
			Status:    row.Device.Status,
			Selected:  row.Selected,
			CPU:       row.CPU,
			CPUStatus: row.CPUStatus,
			UsedMB:    row.UsedMB,
			FreeMB:    row.FreeMB,
			TotalMB:   row.TotalMB,
			MemStatus: row.MemStatus,
		})
	}
	return p
}

func (s *Server) apiDashboard(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, newDashboardPayload(ws.Dashboard.View(strings.TrimSpace(r.URL.Query().Get("q")))))
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
