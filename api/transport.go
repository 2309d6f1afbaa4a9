// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/absmach/certs-agent/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const contentType = "application/json"

type healthInfo struct {
	Service     string `json:"service"`
	InstanceID  string `json:"instance_id"`
	Status      string `json:"status"`
	Iterations  uint64 `json:"iterations"`
	FailedSteps uint64 `json:"failed_steps"`
	LastError   string `json:"last_error,omitempty"`
}

// MakeHandler returns the agent's HTTP surface: the HTTP-01 challenge
// well-known path (when a solver handler is given), a health endpoint fed
// from the workflow engine and the Prometheus metrics endpoint.
func MakeHandler(svcName, instanceID string, engine *workflow.Engine, challenge http.Handler) http.Handler {
	r := chi.NewRouter()

	if challenge != nil {
		r.Mount("/", challenge)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		stats := engine.Snapshot()
		info := healthInfo{
			Service:     svcName,
			InstanceID:  instanceID,
			Status:      "pass",
			Iterations:  stats.Iterations,
			FailedSteps: stats.FailedSteps,
			LastError:   stats.LastError,
		}
		w.Header().Set("Content-Type", contentType)
		if err := json.NewEncoder(w).Encode(info); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
