// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/connguard/internal/enforce"
	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/stream"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(snaps),
		"users": snaps,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, found, err := s.engine.User(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "user not tracked")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	var health []stream.NodeHealth
	if s.nodes != nil {
		health = s.nodes.Health()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(health),
		"nodes": health,
	})
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.SetSpecialLimit(r.Context(), name, body.Limit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"username": name, "limit": body.Limit})
}

func (s *Server) handleClearLimit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.ClearSpecialLimit(r.Context(), name); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": name})
}

func (s *Server) handleSetException(w http.ResponseWriter, r *http.Request) {
	s.setException(w, r, true)
}

func (s *Server) handleClearException(w http.ResponseWriter, r *http.Request) {
	s.setException(w, r, false)
}

func (s *Server) setException(w http.ResponseWriter, r *http.Request, excepted bool) {
	name := chi.URLParam(r, "name")
	if err := s.engine.SetException(r.Context(), name, excepted); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"username": name, "excepted": excepted})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.ForceEnable(r.Context(), name); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	// The panel write runs asynchronously; accepted, not yet applied.
	writeJSON(w, http.StatusAccepted, map[string]string{"username": name, "action": "enable"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.ForceDisable(r.Context(), name); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"username": name, "action": "disable"})
}

func (s *Server) handleSetDisableMethod(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method          string `json:"method"`
		DisabledGroupID int    `json:"disabled_group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Method == enforce.MethodGroup && body.DisabledGroupID == 0 {
		writeError(w, http.StatusBadRequest, "group method requires disabled_group_id")
		return
	}
	if err := s.enforcer.SetMethod(body.Method, body.DisabledGroupID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method":            body.Method,
		"disabled_group_id": body.DisabledGroupID,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.engine.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"count":   len(removed),
	})
}
