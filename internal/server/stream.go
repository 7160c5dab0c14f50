package server

import (
	"context"
	"encoding/json"
	"net/http"
)

// newRunStreamHandler triggers an upgrade run and streams its events as
// NDJSON, one event per line, flushed as they happen. The response stays
// open for the run's lifetime and ends right after the single terminal
// result or failure line.
func newRunStreamHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid request body", nil))
			return
		}
		if req.Target == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil))
			return
		}
		target, err := cfg.App.Account(req.Target)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		route, err := resolveRoute(cfg.App, req.routeSelector)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		// The run outlives the viewer. A disconnect only stops the stream;
		// the engine applies its own deadline to the detached context.
		enc := json.NewEncoder(w)
		events := cfg.Engine.Run(context.WithoutCancel(r.Context()), target, route)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				// Writer is gone; drain so the run finishes on its own.
				for range events {
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
