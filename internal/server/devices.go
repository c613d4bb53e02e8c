package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hitushen/snmpdash/internal/dashboard"
	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/realtime"
)

func (s *Server) showAddDevice(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	catalog, err := ws.Client.ListModels(r.Context())
	form := models.NewDevice{}
	if len(catalog) > 0 {
		form.ModelID = catalog[0].ID
	}
	s.render(w, r, http.StatusOK, "device_add", map[string]any{
		"Models": catalog,
		"Form":   form,
		"Error":  userMessage(err),
	})
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	form := models.NewDevice{
		Name:      strings.TrimSpace(r.FormValue("hostname")),
		IPAddress: strings.TrimSpace(r.FormValue("ipAddress")),
		ModelID:   formInt(r, "modelId"),
	}
	_, err := ws.Client.CreateDevice(r.Context(), form)
	if err == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	catalog, listErr := ws.Client.ListModels(r.Context())
	if listErr != nil {
		s.log.Warn("list models", zap.Error(listErr))
	}
	s.render(w, r, http.StatusUnprocessableEntity, "device_add", map[string]any{
		"Models": catalog,
		"Form":   form,
		"Error":  userMessage(err),
	})
}

func (s *Server) deviceDetails(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	id, valid := parseIDParam(r)
	if !valid {
		http.NotFound(w, r)
		return
	}

	var (
		device     *models.Device
		interfaces []models.InterfaceRow
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		d, err := ws.Client.GetDevice(ctx, id)
		device = d
		return err
	})
	g.Go(func() error {
		rows, err := ws.Client.DeviceInterfaces(ctx, id)
		interfaces = rows
		return err
	})
	if err := g.Wait(); err != nil {
		s.render(w, r, http.StatusBadGateway, "device", map[string]any{"Error": userMessage(err)})
		return
	}

	data := map[string]any{
		"Device":     device,
		"Row":        dashboard.Rows([]models.Device{*device}, nil)[0],
		"Interfaces": interfaces,
		"Ports":      s.probePorts(),
		"Reload":     []string{realtime.EventProbeCompleted},
	}
	if s.probe != nil {
		run, err := s.probe.Latest(r.Context(), id)
		if err != nil {
			s.log.Warn("load probe result", zap.Int64("device", id), zap.Error(err))
		}
		data["Probe"] = run
	}
	s.render(w, r, http.StatusOK, "device", data)
}

func (s *Server) probePorts() string {
	if s.probe == nil {
		return ""
	}
	parts := make([]string, 0, len(s.probe.Ports()))
	for _, p := range s.probe.Ports() {
		parts = append(parts, fmt.Sprint(p))
	}
	return strings.Join(parts, ", ")
}

func (s *Server) showEditDevice(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	id, valid := parseIDParam(r)
	if !valid {
		http.NotFound(w, r)
		return
	}
	device, err := ws.Client.GetDevice(r.Context(), id)
	data := map[string]any{"ID": id, "Error": userMessage(err)}
	if device != nil {
		data["Name"] = device.Name
	}
	s.render(w, r, http.StatusOK, "device_edit", data)
}

func (s *Server) handleEditDevice(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	id, valid := parseIDParam(r)
	if !valid {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if _, err := ws.Client.UpdateDevice(r.Context(), id, name); err != nil {
		s.render(w, r, http.StatusUnprocessableEntity, "device_edit", map[string]any{
			"ID":    id,
			"Name":  name,
			"Error": userMessage(err),
		})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleUnhideDevice(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	id, valid := parseIDParam(r)
	if !valid {
		http.NotFound(w, r)
		return
	}
	if err := ws.Client.UnhideDevice(r.Context(), id); err != nil {
		s.render(w, r, http.StatusBadGateway, "device", map[string]any{"Error": userMessage(err)})
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/devices/%d", id), http.StatusSeeOther)
}

func (s *Server) handleProbeDevice(w http.ResponseWriter, r *http.Request) {
	if s.probe == nil {
		http.NotFound(w, r)
		return
	}
	ws, _, ok := s.workspace(w, r)
	if !ok {
		return
	}
	id, valid := parseIDParam(r)
	if !valid {
		http.NotFound(w, r)
		return
	}
	device, err := ws.Client.GetDevice(r.Context(), id)
	if err != nil {
		s.render(w, r, http.StatusBadGateway, "device", map[string]any{"Error": userMessage(err)})
		return
	}
	if _, err := s.probe.Schedule(context.WithoutCancel(r.Context()), id, device.IPAddress); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("schedule probe", zap.Int64("device", id), zap.Error(err))
	}
	http.Redirect(w, r, fmt.Sprintf("/devices/%d", id), http.StatusSeeOther)
}
