// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/worker"
)

// OrchestrateHandler exposes the Worker Manager over §6's
// `/orchestrate/*` routes.
type OrchestrateHandler struct {
	manager *worker.Manager
}

// NewOrchestrateHandler builds an OrchestrateHandler over manager.
func NewOrchestrateHandler(manager *worker.Manager) *OrchestrateHandler {
	return &OrchestrateHandler{manager: manager}
}

type spawnRequestBody struct {
	Handle        string `json:"handle"`
	TeamName      string `json:"teamName"`
	WorkingDir    string `json:"workingDir"`
	SessionID     string `json:"sessionId"`
	InitialPrompt string `json:"initialPrompt"`
	Role          string `json:"role"`
	Model         string `json:"model"`
	SpawnMode     string `json:"spawnMode"`
	SwarmID       string `json:"swarmId"`
	DepthLevel    int    `json:"depthLevel"`
}

// Spawn handles POST /orchestrate/spawn.
func (h *OrchestrateHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	var body spawnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	req := worker.SpawnRequest{
		Handle:        body.Handle,
		TeamName:      body.TeamName,
		WorkingDir:    body.WorkingDir,
		SessionID:     body.SessionID,
		InitialPrompt: body.InitialPrompt,
		Role:          body.Role,
		Model:         body.Model,
		SwarmID:       body.SwarmID,
		DepthLevel:    body.DepthLevel,
	}
	if body.SpawnMode != "" {
		req.SpawnMode = config.SpawnMode(body.SpawnMode)
	}

	summary, err := h.manager.SpawnWorker(r.Context(), req)
	if err != nil {
		writeSpawnError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{
		"id":     summary.ID,
		"handle": summary.Handle,
	})
}

// Dismiss handles POST /orchestrate/dismiss/{handle}.
func (h *OrchestrateHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	cleanup := r.URL.Query().Get("cleanupWorktree") == "true"

	if err := h.manager.DismissWorkerByHandle(r.Context(), handle, cleanup); err != nil {
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Send handles POST /orchestrate/send/{handle}.
func (h *OrchestrateHandler) Send(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	summary, ok := h.manager.GetWorkerByHandle(handle)
	if !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "no worker with that handle")
		return
	}

	delivered := h.manager.SendToWorker(summary.ID, body.Message)
	WriteJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

// Output handles GET /orchestrate/output/{handle}.
func (h *OrchestrateHandler) Output(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]

	summary, ok := h.manager.GetWorkerByHandle(handle)
	if !ok {
		WriteError(w, http.StatusNotFound, ErrNotFound, "no worker with that handle")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"handle": handle,
		"lines":  h.manager.GetWorkerOutput(summary.ID),
	})
}

// List handles GET /orchestrate/workers.
func (h *OrchestrateHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.GetWorkers())
}

func writeSpawnError(w http.ResponseWriter, err error) {
	switch err {
	case worker.ErrMaxWorkersReached, worker.ErrDuplicateHandle:
		WriteError(w, http.StatusConflict, ErrConflict, err.Error())
	case worker.ErrNativeRequiredButUnavailable, worker.ErrInvalidModeInNativeOnly:
		WriteError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
	default:
		if _, ok := err.(*worker.SpawnDeniedError); ok {
			WriteError(w, http.StatusForbidden, ErrWorkerError, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrWorkerError, err.Error())
	}
}
