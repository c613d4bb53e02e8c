package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/discovery"
	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/realtime"
)

func (s *Server) showDiscover(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	if err := ws.Discovery.LoadMetadata(r.Context()); err != nil && !errors.Is(err, discovery.ErrClosed) {
		s.log.Debug("discovery metadata unavailable", zap.Error(err))
	}

	snap := ws.Discovery.Snapshot()
	data := map[string]any{
		"Snap":   snap,
		"State":  snap.State.String(),
		"Reload": []string{realtime.EventDiscoveryChanged},
	}
	if snap.Device != nil {
		total, active := discovery.InterfaceCounts(snap.Device.Interfaces)
		data["Measurements"] = discovery.Measurements(snap.Device)
		data["Interfaces"] = discovery.InterfaceTags(snap.Device.Interfaces)
		data["InterfaceTotal"] = total
		data["InterfaceActive"] = active
		if snap.Selection.ModelID != 0 && snap.Metadata != nil {
			data["ModelName"] = discovery.ModelDisplay(snap.Metadata.Models, snap.Selection.ModelID)
		}
	}
	s.render(w, r, http.StatusOK, "discover", data)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	creds := models.DiscoveryCredentials{
		IPAddress:    strings.TrimSpace(r.FormValue("ipAddress")),
		Username:     strings.TrimSpace(r.FormValue("username")),
		AuthPassword: r.FormValue("authPassword"),
		PrivPassword: r.FormValue("privPassword"),
	}
	// 浏览器断开时发现结果仍需落入控制器。
	if err := ws.Discovery.Submit(context.WithoutCancel(r.Context()), creds); err != nil {
		s.log.Debug("discovery submit", zap.Error(err))
	}
	http.Redirect(w, r, "/discover", http.StatusSeeOther)
}

func (s *Server) handleDiscoverSelect(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	brand, typ, model := formInt(r, "brand"), formInt(r, "type"), formInt(r, "model")
	cur := ws.Discovery.Snapshot().Selection
	switch {
	case brand != cur.BrandID:
		ws.Discovery.SelectBrand(brand)
	case typ != cur.TypeID:
		ws.Discovery.SelectType(typ)
	default:
		ws.Discovery.SelectModel(model)
	}
	http.Redirect(w, r, "/discover", http.StatusSeeOther)
}

func (s *Server) handleDiscoverConfirm(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	if err := ws.Discovery.ConfirmRegistration(context.WithoutCancel(r.Context())); err != nil {
		s.log.Debug("discovery confirm", zap.Error(err))
	}
	http.Redirect(w, r, "/discover", http.StatusSeeOther)
}

func (s *Server) handleDiscoverReset(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	ws.Discovery.Reset()
	http.Redirect(w, r, "/discover", http.StatusSeeOther)
}

func (s *Server) handleDiscoverDismiss(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	ws.Discovery.DismissMessage()
	http.Redirect(w, r, "/discover", http.StatusSeeOther)
}
