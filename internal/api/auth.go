// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/api/handlers"
)

// tokenTTL bounds how long a token issued by POST /auth stays valid.
const tokenTTL = 12 * time.Hour

// tokenStore is the opaque bearer token issuer named in §6 ("POST /auth →
// {token}, opaque bearer"). Tokens are random values from crypto/rand, not
// signed or derived from credentials: the orchestration server trusts
// whatever process can reach its port, the same trust boundary the
// Compound Runner's own mission process operates inside.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[string]time.Time)}
}

func (s *tokenStore) issue() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = time.Now().Add(tokenTTL)
	return token, nil
}

func (s *tokenStore) valid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// authHandler issues tokens. If authSeed is non-empty, a request must carry
// a matching X-Fleet-Auth-Seed header to receive one.
type authHandler struct {
	store    *tokenStore
	authSeed string
}

func (h *authHandler) handle(w http.ResponseWriter, r *http.Request) {
	if h.authSeed != "" && r.Header.Get("X-Fleet-Auth-Seed") != h.authSeed {
		handlers.WriteError(w, http.StatusUnauthorized, handlers.ErrUnauthorized, "missing or incorrect auth seed")
		return
	}

	token, err := h.store.issue()
	if err != nil {
		handlers.WriteError(w, http.StatusInternalServerError, handlers.ErrInternalError, err.Error())
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// requireAuth rejects requests without a valid bearer token. Health and
// auth are registered outside this middleware's scope in NewRouter.
func requireAuth(store *tokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				handlers.WriteError(w, http.StatusUnauthorized, handlers.ErrUnauthorized, "missing or invalid bearer token")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if !store.valid(token) {
				handlers.WriteError(w, http.StatusUnauthorized, handlers.ErrUnauthorized, "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
