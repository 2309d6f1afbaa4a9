// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acme

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ChallengePath is the well-known prefix the CA's validation GET targets.
const ChallengePath = "/.well-known/acme-challenge"

// ChallengeStore is the in-process HTTP-01 solver: Present publishes a key
// authorization under its token, the HTTP handler serves it until Cleanup.
// The store is shared between the agent loop and the HTTP server, hence the
// lock.
type ChallengeStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

var _ Solver = (*ChallengeStore)(nil)

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{tokens: make(map[string]string)}
}

func (s *ChallengeStore) Present(token, keyAuth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = keyAuth
}

func (s *ChallengeStore) Cleanup(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Handler serves key authorizations as text/plain, 404 for unknown tokens.
func (s *ChallengeStore) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(ChallengePath+"/{token}", func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		s.mu.RLock()
		keyAuth, ok := s.tokens[token]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		if _, err := w.Write([]byte(keyAuth)); err != nil {
			return
		}
	})
	return r
}
