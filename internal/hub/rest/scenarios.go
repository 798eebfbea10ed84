package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agorahub/agora/internal/hub/scenario"
)

const maxScenarioBytes = 1 << 20

// ScenariosHandler serves the scenario blob store:
//
//	GET  /api/scenarios           — listing
//	GET  /api/scenarios/{id}      — one blob
//	PUT  /api/scenarios/{id}      — create or replace
func ScenariosHandler(sc *scenario.Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/scenarios", func(w http.ResponseWriter, r *http.Request) {
		infos, err := sc.List(r.Context())
		if err != nil {
			slog.Error("scenario list failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if infos == nil {
			infos = []scenario.Info{}
		}
		writeJSON(w, infos)
	})

	mux.HandleFunc("GET /api/scenarios/{id}", func(w http.ResponseWriter, r *http.Request) {
		blob, err := sc.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, scenario.ErrNotFound) {
				http.Error(w, "scenario not found", http.StatusNotFound)
				return
			}
			slog.Error("scenario load failed", "id", r.PathValue("id"), "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(blob)
	})

	mux.HandleFunc("PUT /api/scenarios/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxScenarioBytes))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = r.PathValue("id")
		}
		id, err := sc.Put(r.Context(), r.PathValue("id"), name, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"id": id})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response failed", "error", err)
	}
}
