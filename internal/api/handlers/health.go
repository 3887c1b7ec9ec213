// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import "net/http"

// Health handles GET /health. It answers 200 unconditionally once the
// server is routing requests; the Compound Runner's startServer step polls
// this, not a deeper readiness probe, per §4.5 step 7.
func Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
