// Package rest provides the thin HTTP collaborator surfaces next to the
// duplex RPC endpoint: attachment content download and scenario blobs.
package rest

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agorahub/agora/internal/hub/store"
)

// AttachmentsHandler serves GET /attachments/{id}/content with the
// stored bytes and content type. Event payloads on the wire carry only
// references; this is where the bytes come from.
func AttachmentsHandler(st *store.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /attachments/{id}/content", func(w http.ResponseWriter, r *http.Request) {
		att, err := st.GetAttachment(r.Context(), r.PathValue("id"))
		if err != nil {
			var se *store.Error
			if errors.As(err, &se) && se.Code == store.CodeNotFound {
				http.Error(w, "attachment not found", http.StatusNotFound)
				return
			}
			slog.Error("attachment load failed", "id", r.PathValue("id"), "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", att.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(att.Content)))
		_, _ = w.Write(att.Content)
	})
	return mux
}
