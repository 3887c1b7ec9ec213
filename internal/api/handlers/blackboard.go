// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/claudefleet/fleet/internal/blackboard"
)

// BlackboardHandler exposes the Blackboard over §6's `/blackboard` routes.
type BlackboardHandler struct {
	board *blackboard.Blackboard
}

// NewBlackboardHandler builds a BlackboardHandler over board.
func NewBlackboardHandler(board *blackboard.Blackboard) *BlackboardHandler {
	return &BlackboardHandler{board: board}
}

type postRequestBody struct {
	SwarmID      string      `json:"swarmId"`
	SenderHandle string      `json:"senderHandle"`
	MessageType  string      `json:"messageType"`
	Payload      interface{} `json:"payload"`
	Priority     string      `json:"priority"`
	TargetHandle string      `json:"targetHandle"`
}

// Post handles POST /blackboard.
func (h *BlackboardHandler) Post(w http.ResponseWriter, r *http.Request) {
	var body postRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	msg, err := h.board.PostMessage(body.SwarmID, body.SenderHandle, body.MessageType, body.Payload, body.TargetHandle, body.Priority)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrBlackboardErr, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, msg)
}

// List handles GET /blackboard/{swarmId}.
func (h *BlackboardHandler) List(w http.ResponseWriter, r *http.Request) {
	swarmID := mux.Vars(r)["swarmId"]
	query := r.URL.Query()

	opts := blackboard.ReadOptions{
		MessageType:  query.Get("messageType"),
		Priority:     query.Get("priority"),
		ReaderHandle: query.Get("readerHandle"),
		UnreadOnly:   query.Get("unreadOnly") == "true",
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	messages, err := h.board.ReadMessages(swarmID, opts)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrBlackboardErr, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, messages)
}
